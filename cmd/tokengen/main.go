// Command tokengen issues a bearer token for local testing.
//
// Usage:
//
//	go run ./cmd/tokengen -account demo-buyer
//	go run ./cmd/tokengen -account demo-owner -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/trustgate/internal/auth"
	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/validation"
)

func main() {
	account := flag.String("account", "", "account ID to put in the token subject")
	ttl := flag.Duration("ttl", auth.DefaultTTL, "token lifetime")
	flag.Parse()

	if err := validation.Validate(
		validation.Required("account", *account),
		validation.ValidAccountID("account", *account),
	); err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: -%v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewVerifier(cfg.JWTSecret).WithTTL(*ttl).Issue(*account)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(*ttl).UTC().Format(time.RFC3339))
}
