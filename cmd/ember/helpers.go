package main

import (
	"fmt"
	"os"

	ember "github.com/emberchat/ember-go"
)

// getClient creates an API client from the stored configuration.
func getClient() (*ember.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL configured. Run 'ember config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'ember init <user-id> <token>' first.")
		os.Exit(1)
	}
	return ember.NewClient(cfg.Default.BaseURL, cfg.Auth.Token), cfg
}

// getEngine creates a synchronization engine bound to the configured session.
// The caller owns the engine and must Close it.
func getEngine(extra ...ember.EngineOption) *ember.Engine {
	client, cfg := getClient()

	opts := []ember.EngineOption{}
	if cfg.Default.PageSize > 0 {
		opts = append(opts, ember.WithPageSize(cfg.Default.PageSize))
	}
	if cfg.Notify.Endpoint != "" {
		opts = append(opts, ember.WithNotifier(ember.NewHTTPNotifier(cfg.Notify.Endpoint, cfg.Notify.Secret)))
	}
	opts = append(opts, extra...)

	session := ember.Session{
		UserID: ember.UserID(cfg.Auth.UserID),
		Token:  cfg.Auth.Token,
	}
	return ember.NewEngine(session, client, client, opts...)
}
