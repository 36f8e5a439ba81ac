// Package allowlist gates inbound and outbound calls against a JSON file of
// permitted caller IDs / destinations, hot-reloading the file when it
// changes on disk using a polling + content-hash strategy.
package allowlist

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// List is the parsed contents of the allowlist file. An empty (nil or
// zero-length) slice for a direction means allow-all for that direction.
type List struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

// AllowInbound reports whether callerNumber may place an inbound call.
func (l List) AllowInbound(callerNumber string) bool {
	return allow(l.Inbound, callerNumber)
}

// AllowOutbound reports whether destination may be dialed outbound.
func (l List) AllowOutbound(destination string) bool {
	return allow(l.Outbound, destination)
}

func allow(list []string, number string) bool {
	if len(list) == 0 {
		return true
	}
	for _, n := range list {
		if n == number {
			return true
		}
	}
	return false
}

// Load reads and parses the allowlist file at path.
func Load(path string) (List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return List{}, fmt.Errorf("allowlist: read %q: %w", path, err)
	}
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return List{}, fmt.Errorf("allowlist: parse %q: %w", path, err)
	}
	return l, nil
}

// Gate is a concurrency-safe, hot-reloading view over an allowlist file. It
// polls the file for changes and swaps in the new List atomically once the
// content's hash differs from what is currently loaded.
type Gate struct {
	path     string
	interval time.Duration

	mu      sync.RWMutex
	current List

	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// Option configures a [Gate].
type Option func(*Gate)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// NewGate loads path immediately and starts polling it for changes in a
// background goroutine.
func NewGate(path string, opts ...Option) (*Gate, error) {
	g := &Gate{
		path:     path,
		interval: 5 * time.Second,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	list, hash, mtime, err := g.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("allowlist: initial load: %w", err)
	}
	g.current = list
	g.lastHash = hash
	g.lastMtime = mtime

	go g.poll()
	return g, nil
}

// Current returns the most recently loaded valid List.
func (g *Gate) Current() List {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// AllowInbound reports whether callerNumber may place an inbound call,
// against the most recently loaded allowlist.
func (g *Gate) AllowInbound(callerNumber string) bool {
	return g.Current().AllowInbound(callerNumber)
}

// AllowOutbound reports whether destination may be dialed outbound, against
// the most recently loaded allowlist.
func (g *Gate) AllowOutbound(destination string) bool {
	return g.Current().AllowOutbound(destination)
}

// Stop stops the background polling goroutine.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
	})
}

func (g *Gate) poll() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.check()
		}
	}
}

func (g *Gate) check() {
	info, err := os.Stat(g.path)
	if err != nil {
		slog.Warn("allowlist: cannot stat file", "path", g.path, "err", err)
		return
	}

	g.mu.RLock()
	mtime := g.lastMtime
	g.mu.RUnlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	list, hash, newMtime, err := g.loadAndHash()
	if err != nil {
		slog.Warn("allowlist: failed to reload", "path", g.path, "err", err)
		return
	}

	g.mu.Lock()
	if hash == g.lastHash {
		g.lastMtime = newMtime
		g.mu.Unlock()
		return
	}
	g.current = list
	g.lastHash = hash
	g.lastMtime = newMtime
	g.mu.Unlock()

	slog.Info("allowlist: reloaded", "path", g.path,
		"inbound_entries", len(list.Inbound), "outbound_entries", len(list.Outbound))
}

func (g *Gate) loadAndHash() (List, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	info, err := os.Stat(g.path)
	if err != nil {
		return List{}, zeroHash, time.Time{}, err
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		return List{}, zeroHash, time.Time{}, err
	}

	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return List{}, zeroHash, time.Time{}, fmt.Errorf("allowlist: parse %q: %w", g.path, err)
	}

	return list, sha256.Sum256(data), info.ModTime(), nil
}
