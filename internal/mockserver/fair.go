package mockserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 1000.00
	HOUSE_EDGE     = 0.01
)

// crashPoint derives a crash multiplier from a server seed and nonce,
// HMAC-SHA256 mapped through an exponential distribution.
func crashPoint(serverSeed string, nonce int) float64 {
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(fmt.Sprintf("round:%d", nonce)))
	hashHex := hex.EncodeToString(h.Sum(nil))

	i := new(big.Int)
	i.SetString(hashHex[:16], 16)
	const MAX_VALUE_F64 = 18446744073709551616.0
	rFloat := float64(i.Uint64()) / MAX_VALUE_F64

	if rFloat < HOUSE_EDGE {
		return MIN_MULTIPLIER
	}

	crashValue := (100.0 - HOUSE_EDGE*100) / (100.0 - rFloat*100.0)
	mult := float64(int(crashValue*100)) / 100.0
	if mult < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if mult > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}
	return mult
}

func generateSeed() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
