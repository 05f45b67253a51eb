package main

import (
	"fmt"
	"os"
	"path/filepath"

	murmur "github.com/murmurhq/murmur-go"
)

// getClient creates a murmur client authenticated with the stored token.
func getClient() (*murmur.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No identity. Run 'murmur register' first.")
		os.Exit(1)
	}

	opts := []murmur.ClientOption{murmur.WithLogger(newLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, murmur.WithBaseURL(cfg.Default.BaseURL))
	}
	return murmur.NewClient(cfg.Auth.Token, opts...), cfg
}

// getAnonClient creates an unauthenticated client for registration.
func getAnonClient() *murmur.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	opts := []murmur.ClientOption{murmur.WithLogger(newLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, murmur.WithBaseURL(cfg.Default.BaseURL))
	}
	return murmur.NewClient("", opts...)
}

// openCache opens the local message cache if one is configured, defaulting to
// ~/.murmur/cache.db. Returns nil when the cache cannot be opened.
func openCache(cfg *Config) *murmur.MessageCache {
	path := cfg.Default.CachePath
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(dir, "cache.db")
	}
	cache, err := murmur.OpenMessageCache(path, newLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: local cache unavailable: %v\n", err)
		return nil
	}
	return cache
}
