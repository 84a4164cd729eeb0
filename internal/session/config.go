package session

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config carries the per-session tunables. Zero values fall back to
// the environment, then to defaults.
type Config struct {
	WSURL        string
	HTTPBaseURL  string
	Sender       string
	StorePath    string // empty means in-memory
	PollInterval time.Duration
}

// ConfigFromEnv builds a Config from the environment (.env honored via
// godotenv autoload).
func ConfigFromEnv() Config {
	return Config{
		WSURL:        getEnv("GAME_WS_URL", "ws://localhost:8080/ws"),
		HTTPBaseURL:  getEnv("GAME_API_URL", "http://localhost:8080"),
		Sender:       getEnv("GAME_SENDER", "anonymous"),
		StorePath:    getEnv("GAME_STORE_PATH", ""),
		PollInterval: time.Duration(getEnvAsInt("WALLET_POLL_SECONDS", 5)) * time.Second,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
