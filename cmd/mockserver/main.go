package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"

	"aviatorclient/internal/mockserver"
)

func main() {
	balances := mockserver.NewRedisBalances()
	if balances == nil {
		log.Println("[MOCK] Falling back to in-memory balances")
		balances = mockserver.NewMemoryBalances()
	}

	srv := mockserver.New(mockserver.Options{
		AuthToken:       os.Getenv("MOCK_AUTH_TOKEN"),
		IssueTokens:     true,
		StartingBalance: decimal.NewFromInt(10000),
	}, balances)

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("[MOCK] Shutting down")
		if err := srv.Shutdown(); err != nil {
			log.Printf("[MOCK] Shutdown error: %v", err)
		}
		close(done)
	}()

	if err := srv.Listen(":" + strconv.Itoa(port)); err != nil {
		log.Fatalf("[MOCK] Listen failed: %v", err)
	}
	<-done
}
