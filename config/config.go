// Package config loads the small set of tunables the sync stack needs:
// the protocol version to advertise, the commit-batch watchdog bounds
// (spec §4.7 edge cases), and the handshake rate limiter shape. Loaded
// from TOML with github.com/BurntSushi/toml, the same library
// dolthub-dolt and the original noms codebase both require directly for
// their own configuration files.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable. Zero value is not meaningful; use Default
// or Load.
type Config struct {
	// ProtocolVersion is advertised in every handshake; a peer speaking a
	// different version is rejected like a user mismatch (spec §6).
	ProtocolVersion uint8 `toml:"protocol_version"`

	// BatchParentTimeout bounds how long a commit batch may wait for its
	// missing parents before it is abandoned (spec §4.7 edge cases: cycle
	// or unresponsive peer).
	BatchParentTimeout time.Duration `toml:"batch_parent_timeout"`

	// BatchMaxOutstandingRequests bounds the number of CommitRequest
	// rounds a single batch may issue before it is abandoned, guarding
	// against a malformed peer that keeps acknowledging requests with
	// more missing parents forever.
	BatchMaxOutstandingRequests int `toml:"batch_max_outstanding_requests"`

	// HandshakeRateLimiterInterval and HandshakeRateLimiterBurst shape
	// the token bucket that bounds how often the P2P provider will
	// attempt a handshake against the same device (spec §4.3), guarding
	// the single-threaded user-communicator executor against a flapping
	// mesh connection.
	HandshakeRateLimiterInterval time.Duration `toml:"handshake_rate_limiter_interval"`
	HandshakeRateLimiterBurst    int           `toml:"handshake_rate_limiter_burst"`
}

// Default returns the values the original Fuchsia ledger effectively
// hard-coded: protocol version 1, a generous parent-wait bound, a
// handful of request rounds before giving up on a batch, and a
// handshake attempt every 200ms with a burst of 3.
func Default() Config {
	return Config{
		ProtocolVersion:              1,
		BatchParentTimeout:           30 * time.Second,
		BatchMaxOutstandingRequests:  8,
		HandshakeRateLimiterInterval: 200 * time.Millisecond,
		HandshakeRateLimiterBurst:    3,
	}
}

// Load parses a TOML document at path, falling back to Default() for any
// field the document doesn't set.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
