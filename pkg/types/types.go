// Package types holds the data model shared across the traversal pipeline:
// endpoints, peer fingerprints, offers, and the wire-level errors that name
// which stage produced them.
package types

import "fmt"

// Endpoint is a network address observed or bound at some point in the
// traversal: either the address a STUN server saw us from, or an address we
// ourselves bound locally.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// IsZero reports whether the endpoint has never been set.
func (e Endpoint) IsZero() bool {
	return e.IP == "" && e.Port == 0
}

// Offer is what one peer tells the signalling server about itself, to be
// forwarded to the target fingerprint.
type Offer struct {
	TargetFingerprint string
	SenderFingerprint string
	External          Endpoint
	Local             Endpoint
	Nonce             uint64
}

// PeerOffer is what a traversal instance receives back from the signalling
// server: the counterpart's own Offer, identified by its sender fingerprint.
type PeerOffer struct {
	FromFingerprint string
	External        Endpoint
	Local           Endpoint
	Nonce           uint64
}

// STUNError names the STUN operation that failed and wraps the underlying
// cause.
type STUNError struct {
	Op  string
	Err error
}

func (e *STUNError) Error() string {
	return fmt.Sprintf("stun %s: %v", e.Op, e.Err)
}

func (e *STUNError) Unwrap() error {
	return e.Err
}

// NewSTUNError wraps err as a STUNError attributed to op.
func NewSTUNError(op string, err error) error {
	return &STUNError{Op: op, Err: err}
}
