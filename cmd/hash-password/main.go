// This program securely generates an Argon2id hash for a given password,
// using the same parameters the admin API verifies with.
package main

import (
	"fmt"
	"os"

	"relay-gateway/internal/web"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: go run main.go <password>")
		os.Exit(1)
	}
	password := os.Args[1]
	if password == "" {
		fmt.Fprintln(os.Stderr, "Error: password cannot be empty.")
		os.Exit(1)
	}
	hashString, err := web.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating hash: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n---\nGenerated Argon2id Hash:\n%s\n---\n", hashString)
	fmt.Println("Copy the entire hash string and paste it into the 'password' field under web_auth in your config.yaml.")
}
