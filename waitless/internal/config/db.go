package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/waitless/dbopen"
	"github.com/hazyhaar/waitless/stability"
)

// ProfileSchema creates the stability_profiles table. A profile overrides
// the base stability configuration for every URL starting with its prefix.
const ProfileSchema = `
CREATE TABLE IF NOT EXISTS stability_profiles (
	url_prefix TEXT PRIMARY KEY,
	config     TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
`

// Profile is a row from stability_profiles.
type Profile struct {
	URLPrefix string           `json:"url_prefix"`
	Config    stability.Config `json:"config"`
	UpdatedAt int64            `json:"updated_at"`
}

// Profiles reads and writes per-site stability overrides.
type Profiles struct {
	db *sql.DB
}

// NewProfiles wraps db, creating the table if needed.
func NewProfiles(ctx context.Context, db *sql.DB) (*Profiles, error) {
	if _, err := db.ExecContext(ctx, ProfileSchema); err != nil {
		return nil, fmt.Errorf("config: profiles schema: %w", err)
	}
	return &Profiles{db: db}, nil
}

// Put stores or replaces the profile for prefix.
func (p *Profiles) Put(ctx context.Context, prefix string, cfg stability.Config) error {
	if prefix == "" {
		return fmt.Errorf("config: profile prefix is empty")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: profile %s: %w", prefix, err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: profile %s: %w", prefix, err)
	}
	_, err = dbopen.Exec(ctx, p.db, `
		INSERT INTO stability_profiles (url_prefix, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url_prefix) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at
	`, prefix, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("config: put profile %s: %w", prefix, err)
	}
	return nil
}

// Delete removes the profile for prefix.
func (p *Profiles) Delete(ctx context.Context, prefix string) error {
	if _, err := dbopen.Exec(ctx, p.db, `DELETE FROM stability_profiles WHERE url_prefix = ?`, prefix); err != nil {
		return fmt.Errorf("config: delete profile %s: %w", prefix, err)
	}
	return nil
}

// List returns every profile ordered by prefix.
func (p *Profiles) List(ctx context.Context) ([]Profile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT url_prefix, config, updated_at FROM stability_profiles ORDER BY url_prefix
	`)
	if err != nil {
		return nil, fmt.Errorf("config: list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var (
			pr  Profile
			raw string
		)
		if err := rows.Scan(&pr.URLPrefix, &raw, &pr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("config: list profiles: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &pr.Config); err != nil {
			return nil, fmt.Errorf("config: profile %s: %w", pr.URLPrefix, err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Resolve returns the profile with the longest prefix of url. ok is false
// when no profile applies.
func (p *Profiles) Resolve(ctx context.Context, url string) (cfg stability.Config, ok bool, err error) {
	var raw string
	err = p.db.QueryRowContext(ctx, `
		SELECT config FROM stability_profiles
		WHERE substr(?1, 1, length(url_prefix)) = url_prefix
		ORDER BY length(url_prefix) DESC
		LIMIT 1
	`, url).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return stability.Config{}, false, nil
	}
	if err != nil {
		return stability.Config{}, false, fmt.Errorf("config: resolve profile: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return stability.Config{}, false, fmt.Errorf("config: resolve profile: %w", err)
	}
	return cfg, true, nil
}
