// Command devtoken mints a signed access token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gossiphub/internal/config"
	"gossiphub/internal/middleware"
)

func main() {
	user := flag.String("user", "", "identity to put in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: devtoken -user <id> [-ttl 24h]")
		os.Exit(2)
	}

	cfg := config.LoadConfig()
	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.QueryKey)
	token, err := auth.NewToken(*user, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
