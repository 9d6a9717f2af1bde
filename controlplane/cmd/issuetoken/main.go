// Package main implements a one-shot CLI that mints a caller bearer token
// against the control plane's JWT keys, for operators bootstrapping access
// to a running orchestratord without a login flow — this domain has no user
// accounts, so there is no interactive auth path to issue a token from.
//
// Usage:
//
//	go run ./controlplane/cmd/issuetoken \
//	  --caller-id ci-pipeline-1 \
//	  --ttl 24h \
//	  --data-dir ./data
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentforge/orchestrator/controlplane/internal/auth"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	callerId := flag.String("caller-id", "", "Caller identity to embed in the token (required)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token validity period")
	dataDir := flag.String("data-dir", envOrDefault("ORCHESTRATORD_DATA_DIR", "./data"), "Directory holding jwt_private.pem / jwt_public.pem")
	issuer := flag.String("issuer", envOrDefault("ORCHESTRATORD_JWT_ISSUER", "orchestratord"), "JWT issuer claim — must match the running server's --jwt-issuer")
	flag.Parse()

	if *callerId == "" {
		return fmt.Errorf("--caller-id is required")
	}

	privPath := filepath.Join(*dataDir, "jwt_private.pem")
	pubPath := filepath.Join(*dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err != nil {
		return fmt.Errorf(
			"no private key at %s\n"+
				"  issuetoken only works against a server started with persistent\n"+
				"  keys on disk — a server running on ephemeral generated keys mints\n"+
				"  and validates tokens in-process only.", privPath)
	}

	jwtManager, err := auth.NewJWTManagerFromFiles(privPath, pubPath, *issuer)
	if err != nil {
		return fmt.Errorf("load JWT keys: %w", err)
	}

	token, err := jwtManager.GenerateCallerToken(*callerId, *ttl)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	fmt.Printf("%s\n", token)
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
