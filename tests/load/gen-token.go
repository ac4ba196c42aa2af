//go:build ignore

// Prints an admin API bearer token for manual testing:
//
//	curl -H "Authorization: Bearer $(go run tests/load/gen-token.go)" localhost:8080/admin/breakers
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		secret = "integration-test-secret-key-32chars!!"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "loadtest-admin",
		"iss": "https://auth.civictrack.example",
		"aud": "resilience-admin",
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
