// Package config reads and writes the global ~/.smsync/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mkalil/smsync/internal/sms"
)

// Config represents the global configuration file.
type Config struct {
	DefaultAccount string             `toml:"default_account"`
	Accounts       map[string]Account `toml:"accounts"`
}

// Account holds provider credentials and synchronization settings for one
// account.
type Account struct {
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	DIDs     []string `toml:"dids"`

	// StartDate bounds the first synchronization, formatted 2006-01-02.
	StartDate string `toml:"start_date"`

	SyncIntervalMinutes   int `toml:"sync_interval_minutes"`
	SyncOverlapMinutes    int `toml:"sync_overlap_minutes"`
	MatchToleranceMinutes int `toml:"match_tolerance_minutes"`
	RetentionDays         int `toml:"retention_days"`

	RestoreDeleted           bool `toml:"restore_deleted"`
	PropagateLocalDeletions  bool `toml:"propagate_local_deletions"`
	PropagateRemoteDeletions bool `toml:"propagate_remote_deletions"`

	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`

	// APIURL overrides the provider endpoint, for testing.
	APIURL string `toml:"api_url"`
}

// Load reads config from the given path. Returns an error if the file is
// missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Account returns the named account's settings.
func (c *Config) Account(name string) (Account, error) {
	a, ok := c.Accounts[name]
	if !ok {
		return Account{}, fmt.Errorf("account %q not configured", name)
	}
	return a, nil
}

// Validate checks that the account can reach the provider.
func (a Account) Validate() error {
	if a.Username == "" || a.Password == "" {
		return fmt.Errorf("username and password are required")
	}
	if len(a.DIDs) == 0 {
		return fmt.Errorf("at least one DID is required")
	}
	for _, did := range a.DIDs {
		if err := sms.ValidateNumber("did", did); err != nil {
			return err
		}
	}
	if a.StartDate != "" {
		if _, err := time.Parse("2006-01-02", a.StartDate); err != nil {
			return fmt.Errorf("start_date: %w", err)
		}
	}
	return nil
}

// SyncInterval returns the periodic sync interval, defaulting to 15
// minutes.
func (a Account) SyncInterval() time.Duration {
	if a.SyncIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.SyncIntervalMinutes) * time.Minute
}

// SyncOverlap returns the fetch-window safety overlap.
func (a Account) SyncOverlap() time.Duration {
	return time.Duration(a.SyncOverlapMinutes) * time.Minute
}

// MatchTolerance returns the pending-send match tolerance.
func (a Account) MatchTolerance() time.Duration {
	return time.Duration(a.MatchToleranceMinutes) * time.Minute
}

// ConnectTimeout returns the network connect timeout.
func (a Account) ConnectTimeout() time.Duration {
	return time.Duration(a.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout returns the whole-request timeout.
func (a Account) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Start returns the parsed StartDate, or the zero time when unset.
func (a Account) Start() time.Time {
	if a.StartDate == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", a.StartDate)
	if err != nil {
		return time.Time{}
	}
	return t
}
