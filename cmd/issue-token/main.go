// issue-token mints a bearer token for an existing user, for driver app
// provisioning and local API testing.
//
// Usage:
//   API_SECRET=... DB_USER=... go run ./cmd/issue-token -user-id 3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
)

func main() {
	userId := flag.Int("user-id", 0, "id of the user to issue a token for")
	flag.Parse()
	if *userId <= 0 {
		fmt.Fprintln(os.Stderr, "usage: issue-token -user-id <id>")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	var user models.User
	if err := db.WithContext(ctx).Where("id = ?", *userId).First(&user).Error; err != nil {
		fmt.Fprintf(os.Stderr, "user lookup failed: %v\n", err)
		os.Exit(1)
	}
	if user.Active == nil || !*user.Active {
		fmt.Fprintf(os.Stderr, "user %d is inactive; refusing to issue a token\n", user.ID)
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("user=%q role=%s\n%s\n", user.Username, user.Role, token)
}
