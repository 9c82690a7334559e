//go:build ignore

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/middleware"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run scripts/issue_token.go <subject> [role] [ttl]")
		fmt.Println("Example: JWT_SECRET=dev go run scripts/issue_token.go ops admin 24h")
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Println("JWT_SECRET must be set")
		os.Exit(1)
	}

	role := "user"
	if len(os.Args) > 2 {
		role = os.Args[2]
	}
	ttl := time.Hour
	if len(os.Args) > 3 {
		d, err := time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Printf("Invalid ttl: %v\n", err)
			os.Exit(1)
		}
		ttl = d
	}

	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   os.Args[1],
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fmt.Printf("Error signing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject: %s\nRole: %s\nExpires: %s\n\n", os.Args[1], role, claims.ExpiresAt.Time.Format(time.RFC3339))
	fmt.Println(signed)
}
