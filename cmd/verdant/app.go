package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/daviddao/verdant/pkg/library"
	"github.com/daviddao/verdant/pkg/store"
)

// app holds shared state for the subcommands that touch the database.
type app struct {
	cfg      *config
	store    *store.Store
	registry *library.Registry
}

// newApp opens the database and the library registry.
func newApp(cfg *config) (*app, error) {
	s, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.DB, err)
	}
	return &app{
		cfg:      cfg,
		store:    s,
		registry: library.NewRegistry(s, cfg.librarySettings()),
	}, nil
}

func (c *config) librarySettings() *library.Settings {
	settings := library.DefaultSettings()
	settings.Truancy = c.Truancy
	settings.RebaseDelay = c.RebaseDelay
	return settings
}

// Close stops the registry and releases the database connection.
func (a *app) Close() {
	a.registry.Close()
	a.store.Close()
}

// requireLibrary reports a usage error when the library flag is missing.
func requireLibrary(cmd, lib string) bool {
	if lib == "" {
		fmt.Fprintf(os.Stderr, "verdant: %s: --library is required\n", cmd)
		return false
	}
	return true
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
