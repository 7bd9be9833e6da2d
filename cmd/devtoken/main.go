// Command devtoken prints a bearer token for local testing, signed with
// JWT_SECRET from the environment or .env.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/bay-reservation/internal/middleware"
	"github.com/iliyamo/bay-reservation/internal/utils"
)

func main() {
	id := flag.Uint64("sub", 1, "customer or admin id")
	role := flag.String("role", middleware.RoleCustomer, "CUSTOMER or ADMIN")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(1)
	}
	r := strings.ToUpper(*role)
	if r != middleware.RoleCustomer && r != middleware.RoleAdmin {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}
	tok, err := utils.NewAccessToken(secret, *id, r, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
}
