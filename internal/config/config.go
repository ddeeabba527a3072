// Package config holds the traversal instance's recognized options and the
// environment-variable timeout overrides layered on top of their defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries the five options a traversal instance is constructed with.
type Config struct {
	SignallingURL    string // wss:// for TLS; Validate does not check the scheme, and ws:// connects without TLS
	StunServerAddr   string // host:port
	LocalFingerprint string // must equal Fingerprint() of SigningKeyBytes
	SigningKeyBytes  []byte // 32 raw Ed25519 seed bytes
	TCPPort          int    // 0 selects an OS-assigned port, then pinned
}

// Validate checks the option shapes that are cheap to check before any I/O
// is attempted.
func (c Config) Validate() error {
	if c.SignallingURL == "" {
		return fmt.Errorf("config: signalling_url is required")
	}
	if c.StunServerAddr == "" {
		return fmt.Errorf("config: stun_server_addr is required")
	}
	if len(c.SigningKeyBytes) != 32 {
		return fmt.Errorf("config: signing_key_bytes must be 32 bytes, got %d", len(c.SigningKeyBytes))
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("config: tcp_port out of range: %d", c.TCPPort)
	}
	return nil
}

// Timeouts holds the per-stage deadlines §4.F names, overridable via
// environment variables.
type Timeouts struct {
	Signalling time.Duration
	Stun       time.Duration
	UDPPunch   time.Duration
	TCP        time.Duration
}

// DefaultTimeouts matches the defaults in the orchestrator's transition table.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Signalling: 10 * time.Second,
		Stun:       5 * time.Second,
		UDPPunch:   30 * time.Second,
		TCP:        10 * time.Second,
	}
}

// LoadTimeouts starts from DefaultTimeouts and applies any of
// signalling_timeout_s, stun_timeout_s, udp_punch_timeout_s, tcp_timeout_s
// found in the environment.
func LoadTimeouts() (Timeouts, error) {
	t := DefaultTimeouts()

	overrides := []struct {
		env string
		dst *time.Duration
	}{
		{"signalling_timeout_s", &t.Signalling},
		{"stun_timeout_s", &t.Stun},
		{"udp_punch_timeout_s", &t.UDPPunch},
		{"tcp_timeout_s", &t.TCP},
	}

	for _, o := range overrides {
		raw, ok := os.LookupEnv(o.env)
		if !ok || raw == "" {
			continue
		}
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Timeouts{}, fmt.Errorf("config: %s must be a positive integer, got %q", o.env, raw)
		}
		*o.dst = time.Duration(seconds) * time.Second
	}

	return t, nil
}
