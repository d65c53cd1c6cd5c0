// Command token mints a bearer token for the admin sync API.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/auth"
)

func main() {
	subject := flag.String("sub", "ops", "token subject")
	role := flag.String("role", auth.RoleAdmin, "token role")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	if cfg.IsProduction() && cfg.JWTSecret == "change-this-in-production" {
		log.Fatal("JWT_SECRET is still the development default")
	}

	token, err := auth.GenerateToken(*subject, *role, cfg.JWTSecret, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
