package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eldtechnologies/hubd/internal/auth"
)

func main() {
	secret := flag.String("secret", "", "Shared HMAC secret (defaults to TOKEN_SECRET env)")
	subject := flag.String("subject", "", "Client identity to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *secret == "" {
		*secret = os.Getenv("TOKEN_SECRET")
	}
	if *secret == "" || *subject == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -subject <client-id> [-secret <hmac-secret>] [-ttl <duration>]")
		fmt.Fprintln(os.Stderr, "  Reads the secret from TOKEN_SECRET if -secret not specified")
		os.Exit(1)
	}

	validator, err := auth.NewHMACValidator(*secret, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid secret: %v\n", err)
		os.Exit(1)
	}

	token, err := validator.Mint(*subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Signing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
