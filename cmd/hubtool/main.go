// Command hubtool is a local development helper. It mints the hub-side
// artifacts the gateway consumes: bearer credentials for a user, and
// encrypted user identifiers for callback testing. Both are derived
// from the same shared secret the gateway runs with.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"masegate/internal/crypto"
	"masegate/internal/token"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  hubtool credential <user-id> [ttl]   mint a bearer credential
  hubtool encrypt <user-id>            encrypt a user identifier
  hubtool decrypt <token>              decrypt an identifier

GATEWAY_SECRET must be set to the gateway's shared secret.
`)
	os.Exit(2)
}

func main() {
	secret := strings.TrimSpace(os.Getenv("GATEWAY_SECRET"))
	if secret == "" {
		log.Fatal("GATEWAY_SECRET is required")
	}
	if len(os.Args) < 3 {
		usage()
	}

	switch os.Args[1] {
	case "credential":
		ttl := time.Hour
		if len(os.Args) > 3 {
			parsed, err := time.ParseDuration(os.Args[3])
			if err != nil {
				log.Fatalf("invalid ttl: %v", err)
			}
			ttl = parsed
		}
		issuerName := strings.TrimSpace(os.Getenv("GATEWAY_ISSUER"))
		if issuerName == "" {
			issuerName = "masegate"
		}
		issuer, err := token.NewIssuer(secret, issuerName)
		if err != nil {
			log.Fatal(err)
		}
		cred, err := issuer.IssueCredential(os.Args[2], ttl)
		if err != nil {
			log.Fatal(err)
		}
		out, _ := json.Marshal(map[string]interface{}{
			"token":     cred,
			"userId":    os.Args[2],
			"expiresAt": time.Now().UTC().Add(ttl),
		})
		fmt.Println(string(out))

	case "encrypt":
		cipher, err := crypto.New(secret)
		if err != nil {
			log.Fatal(err)
		}
		enc, err := cipher.Encrypt(os.Args[2])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(enc)

	case "decrypt":
		cipher, err := crypto.New(secret)
		if err != nil {
			log.Fatal(err)
		}
		plain, err := cipher.Decrypt(os.Args[2])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(plain)

	default:
		usage()
	}
}
