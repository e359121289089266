package config

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/waitless/stability"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean the profile table changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// ProfileVersion combines the row count and the newest update time, so
// inserts, updates and deletes all move the token.
func ProfileVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var n, last int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(updated_at), 0) FROM stability_profiles
	`).Scan(&n, &last)
	return last*1000 + n%1000, err
}

// WatchOptions tunes the reload loop.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before reloading. More
	// changes during the window restart it. Default: 0.
	Debounce time.Duration
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = ProfileVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ProfileCache answers Resolve from memory so a verdict never waits on
// SQLite. Writes through the cache reload it at once; writes by other
// processes are picked up by Watch.
type ProfileCache struct {
	profiles *Profiles
	opts     WatchOptions

	mu   sync.RWMutex
	list []Profile // longest prefix first

	version atomic.Int64
	checks  atomic.Int64
	reloads atomic.Int64
	errors  atomic.Int64
}

// CacheStats are point-in-time counters.
type CacheStats struct {
	Profiles int   `json:"profiles"`
	Checks   int64 `json:"checks"`
	Reloads  int64 `json:"reloads"`
	Errors   int64 `json:"errors"`
}

// NewProfileCache loads every profile once.
func NewProfileCache(ctx context.Context, p *Profiles, opts WatchOptions) (*ProfileCache, error) {
	opts.defaults()
	c := &ProfileCache{profiles: p, opts: opts}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the table.
func (c *ProfileCache) Reload(ctx context.Context) error {
	v, verr := c.opts.Detector(ctx, c.profiles.db)
	list, err := c.profiles.List(ctx)
	if err != nil {
		c.errors.Add(1)
		return err
	}
	slices.SortStableFunc(list, func(a, b Profile) int { return len(b.URLPrefix) - len(a.URLPrefix) })

	c.mu.Lock()
	c.list = list
	c.mu.Unlock()
	if verr == nil {
		c.version.Store(v)
	}
	c.reloads.Add(1)
	return nil
}

// Resolve returns the profile with the longest prefix of url.
func (c *ProfileCache) Resolve(_ context.Context, url string) (stability.Config, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.list {
		if strings.HasPrefix(url, p.URLPrefix) {
			return p.Config, true, nil
		}
	}
	return stability.Config{}, false, nil
}

// List returns the cached profiles ordered by prefix.
func (c *ProfileCache) List() []Profile {
	c.mu.RLock()
	out := slices.Clone(c.list)
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b Profile) int { return strings.Compare(a.URLPrefix, b.URLPrefix) })
	return out
}

// Put stores a profile and reloads.
func (c *ProfileCache) Put(ctx context.Context, prefix string, cfg stability.Config) error {
	if err := c.profiles.Put(ctx, prefix, cfg); err != nil {
		return err
	}
	return c.Reload(ctx)
}

// Delete removes a profile and reloads.
func (c *ProfileCache) Delete(ctx context.Context, prefix string) error {
	if err := c.profiles.Delete(ctx, prefix); err != nil {
		return err
	}
	return c.Reload(ctx)
}

// Stats returns the current counters.
func (c *ProfileCache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.list)
	c.mu.RUnlock()
	return CacheStats{
		Profiles: n,
		Checks:   c.checks.Load(),
		Reloads:  c.reloads.Load(),
		Errors:   c.errors.Load(),
	}
}

// Watch polls for changes until ctx ends and reloads once a change has been
// quiet for the debounce window. A failed reload is retried on the next
// poll.
func (c *ProfileCache) Watch(ctx context.Context) {
	log := c.opts.Logger
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	var timer *time.Timer
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-ticker.C:
			c.checks.Add(1)
			cur, err := c.opts.Detector(ctx, c.profiles.db)
			if err != nil {
				c.errors.Add(1)
				log.Warn("config: profile version check failed", "error", err)
				continue
			}
			if cur == c.version.Load() || cur == pending {
				continue
			}
			pending = cur
			if c.opts.Debounce <= 0 {
				c.reload(ctx, log)
				pending = -1
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(c.opts.Debounce)
			debounce = timer.C

		case <-debounce:
			debounce = nil
			if pending >= 0 {
				c.reload(ctx, log)
				pending = -1
			}
		}
	}
}

func (c *ProfileCache) reload(ctx context.Context, log *slog.Logger) {
	if err := c.Reload(ctx); err != nil {
		log.Warn("config: profile reload failed", "error", err)
		return
	}
	log.Info("config: profiles reloaded", "profiles", c.Stats().Profiles)
}
