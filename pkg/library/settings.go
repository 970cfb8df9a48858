package library

import (
	"context"
	"time"
)

// ProfileLoader resolves a user's public profile for presence.
type ProfileLoader interface {
	LoadProfile(ctx context.Context, userID string) (map[string]any, error)
}

// ProfileLoaderFunc adapts a function to ProfileLoader.
type ProfileLoaderFunc func(ctx context.Context, userID string) (map[string]any, error)

func (f ProfileLoaderFunc) LoadProfile(ctx context.Context, userID string) (map[string]any, error) {
	return f(ctx, userID)
}

// Settings configures every library in a registry.
type Settings struct {
	// Truancy is how long a replica may stay away before it is forced into
	// a full resync. Zero disables truancy.
	Truancy time.Duration
	// RebaseDelay debounces server-side rebase after new operations.
	RebaseDelay time.Duration
	// DisableRebase turns off automatic rebase.
	DisableRebase bool
	// Profiles resolves presence profiles. Optional.
	Profiles ProfileLoader
	// Now is the time source for truancy. Defaults to time.Now.
	Now func() time.Time
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() *Settings {
	return &Settings{
		Truancy:     30 * 24 * time.Hour,
		RebaseDelay: 0,
		Now:         time.Now,
	}
}
