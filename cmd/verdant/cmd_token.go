package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/daviddao/verdant/pkg/auth"
	"github.com/daviddao/verdant/pkg/model"
)

func cmdToken(cfg *config, args []string) int {
	flags := flag.NewFlagSet("token", flag.ContinueOnError)
	lib := flags.String("library", "", "library ID")
	user := flags.String("user", "", "user ID")
	typ := flags.String("type", string(model.ReplicaRealtime), "replica type")
	ttl := flags.Duration("ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	endpoint := flags.String("endpoint", "", "sync endpoint to embed in the token")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if !requireLibrary("token", *lib) {
		return 1
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "verdant: token: --user is required")
		return 1
	}

	signer, err := auth.NewSigner(cfg.Secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: token: %v (set VERDANT_SECRET)\n", err)
		return 1
	}
	tok := auth.Token{
		LibraryID:    *lib,
		UserID:       *user,
		Type:         model.ReplicaType(*typ),
		SyncEndpoint: *endpoint,
	}
	if *ttl > 0 {
		tok.Expires = time.Now().Add(*ttl)
	}
	raw, err := signer.Sign(tok)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: token: %v\n", err)
		return 1
	}

	if *jsonOut {
		out := map[string]interface{}{
			"token":   raw,
			"library": tok.LibraryID,
			"user":    tok.UserID,
			"type":    tok.Type,
		}
		if !tok.Expires.IsZero() {
			out["expires_at"] = tok.Expires.UTC().Format(time.RFC3339)
		}
		printJSON(out)
	} else {
		fmt.Println(raw)
	}
	return 0
}
