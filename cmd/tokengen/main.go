// Command tokengen mints a bearer token for local development.
//
// Usage:
//
//	go run ./cmd/tokengen -user alice
//	go run ./cmd/tokengen -user judy -role arbiter -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/peerex/internal/auth"
	"github.com/mbd888/peerex/internal/logging"
)

func main() {
	user := flag.String("user", "", "user id (token subject)")
	role := flag.String("role", string(auth.RoleUser), "user or arbiter")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	tok, err := auth.NewManager(secret).Issue(*user, auth.Role(*role), *ttl)
	if err != nil {
		logger.Error("failed to issue token", "user", *user, "role", *role, "error", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
