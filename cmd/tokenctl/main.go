package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"lv-tradehook/internal/config"
	"lv-tradehook/internal/tokens"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const usage = `usage: tokenctl <command> [flags]

commands:
  issue [-ttl 5m]      issue a short-lived webhook token
  revoke <token>       revoke a short-lived token
  purge                delete expired tokens
  hash-password <pw>   print a bcrypt hash for ADMIN_PASSWORD_HASH
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "tokenctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	if cmd == "hash-password" {
		return hashPassword(args)
	}
	_ = godotenv.Load()
	path := os.Getenv("TOKEN_DB_PATH")
	if path == "" {
		path = config.DefaultTokenDBPath
	}
	store, err := tokens.OpenShortLived(path)
	if err != nil {
		return err
	}
	defer store.Close()

	switch cmd {
	case "issue":
		fs := flag.NewFlagSet("issue", flag.ContinueOnError)
		ttl := fs.Duration("ttl", 5*time.Minute, "token lifetime")
		if err := fs.Parse(args); err != nil {
			return err
		}
		raw, exp, err := store.Issue(ctx, *ttl)
		if err != nil {
			return err
		}
		fmt.Printf("token: %s\nexpires: %s\n", raw, exp.UTC().Format(time.RFC3339))
	case "revoke":
		if len(args) != 1 {
			return errors.New("revoke takes exactly one token")
		}
		ok, err := store.Revoke(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("token not found")
		}
		fmt.Println("revoked")
	case "purge":
		n, err := store.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d expired tokens\n", n)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func hashPassword(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("hash-password takes exactly one password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}
