package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func main() {
	secret := flag.String("secret", os.Getenv("GRAPH_GATEWAY_AUTH_HMAC_SECRET"), "HMAC signing secret")
	subject := flag.String("sub", "", "token subject")
	user := flag.String("user", "", "backend principal name")
	password := flag.String("password", "", "backend principal secret")
	roles := flag.String("roles", "", "comma separated roles")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *secret == "" || *subject == "" {
		log.Fatalf("Usage: %s -secret <hmac-secret> -sub <subject> [-user name] [-password secret] [-roles a,b] [-ttl 1h]", os.Args[0])
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": *subject,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if *user != "" {
		claims["user"] = *user
	}
	if *password != "" {
		claims["password"] = *password
	}
	if *roles != "" {
		claims["roles"] = strings.Split(*roles, ",")
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
