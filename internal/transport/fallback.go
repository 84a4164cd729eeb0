package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aviatorclient/internal/protocol"
)

const FALLBACK_TIMEOUT = 5 * time.Second

// FallbackClient covers the REST endpoints used when the push channel is
// unavailable: one best-effort request, no retry.
type FallbackClient struct {
	baseURL string
	tokenFn TokenFunc
	client  *http.Client
}

func NewFallbackClient(baseURL string, tokenFn TokenFunc) *FallbackClient {
	return &FallbackClient{
		baseURL: baseURL,
		tokenFn: tokenFn,
		client:  &http.Client{Timeout: FALLBACK_TIMEOUT},
	}
}

func (f *FallbackClient) PlaceBet(payload protocol.PlaceBetPayload) (*protocol.PlaceBetAck, error) {
	var ack protocol.PlaceBetAck
	if err := f.post("/bet/place", payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (f *FallbackClient) Cashout(payload protocol.CashoutPayload) (*protocol.CashoutAck, error) {
	var ack protocol.CashoutAck
	if err := f.post("/bet/cashout", payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (f *FallbackClient) WalletBalance() (*protocol.BalancePayload, error) {
	var snap protocol.BalancePayload
	if err := f.do(http.MethodGet, "/wallet/balance", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (f *FallbackClient) post(path string, payload, out interface{}) error {
	return f.do(http.MethodPost, path, payload, out)
}

func (f *FallbackClient) do(method, path string, payload, out interface{}) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := f.tokenFn()
	if err != nil {
		return &protocol.AuthError{Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return &protocol.TransientNetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &protocol.AuthError{Reason: resp.Status}
	case resp.StatusCode >= 400:
		return &protocol.TransientNetworkError{Op: method + " " + path, Err: fmt.Errorf("status %s", resp.Status)}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
