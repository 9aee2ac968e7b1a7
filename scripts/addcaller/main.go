// Command addcaller provisions an API caller: it generates a random API key,
// stores the caller row with an Argon2id hash of the key, and prints the raw
// key once. The raw key is never persisted.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/addcaller -caller-id pipeline-runner -name "Pipeline runner"
//
// Safe to re-run with a new caller_id; re-running with an existing caller_id
// fails on the unique constraint rather than rotating the key silently.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kumo-ai/seiri/internal/auth"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	callerID := flag.String("caller-id", "", "stable caller identifier (required)")
	name := flag.String("name", "", "human-readable caller name (required)")
	flag.Parse()

	if *callerID == "" || *name == "" {
		flag.Usage()
		return fmt.Errorf("-caller-id and -name are required")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	apiKey := "sk-seiri-" + base64.RawURLEncoding.EncodeToString(rawKey)

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	id := uuid.New()
	_, err = pool.Exec(ctx,
		`INSERT INTO callers (id, caller_id, name, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, *callerID, *name, hash, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert caller: %w", err)
	}

	fmt.Printf("caller %s created (id %s)\n", *callerID, id)
	fmt.Printf("API key (shown once, store it securely): %s\n", apiKey)
	return nil
}
