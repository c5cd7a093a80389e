package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Feature flags read by the API.
const (
	FlagReferrals = "referrals"
	FlagCashouts  = "cashouts"
	FlagTopUps    = "topups"
)

// FlagSource loads the current flag values.
type FlagSource interface {
	Load(ctx context.Context) (map[string]bool, error)
}

// StaticSource serves a fixed set of flags.
type StaticSource map[string]bool

func (s StaticSource) Load(context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// ParseFlags reads "name=on,other=off". Bare names are enabled.
func ParseFlags(s string) StaticSource {
	out := StaticSource{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !found {
			out[name] = true
			continue
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "0", "off", "false", "no", "disabled":
			out[name] = false
		default:
			out[name] = true
		}
	}
	return out
}

// Flags caches a FlagSource for a TTL. Unknown flags are enabled. If a
// reload fails the last known values stay in effect.
type Flags struct {
	source    FlagSource
	ttl       time.Duration
	clockFunc func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	values   map[string]bool
	loadedAt time.Time
	loaded   bool
}

func NewFlags(source FlagSource, ttl time.Duration, log *slog.Logger) *Flags {
	return NewFlagsWithClock(source, ttl, log, time.Now)
}

func NewFlagsWithClock(source FlagSource, ttl time.Duration, log *slog.Logger, clockFunc func() time.Time) *Flags {
	if log == nil {
		log = slog.Default()
	}
	return &Flags{source: source, ttl: ttl, clockFunc: clockFunc, log: log}
}

func (f *Flags) Enabled(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clockFunc()
	if !f.loaded || now.Sub(f.loadedAt) >= f.ttl {
		values, err := f.source.Load(ctx)
		if err != nil {
			f.log.Warn("feature flag reload failed", "error", err)
		} else {
			f.values = values
		}
		// a failed load is retried after the next TTL, not on every call
		f.loadedAt, f.loaded = now, true
	}

	enabled, ok := f.values[name]
	return !ok || enabled
}

// Invalidate forces a reload on the next Enabled call.
func (f *Flags) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
}
