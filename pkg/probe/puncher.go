// Package probe implements the authenticated UDP hole-punch engine: sending
// signed probes to a peer's external and local endpoints, and verifying any
// probe the peer sends back before trusting its advertised TCP port.
package probe

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fernglade/punchlink/internal/logging"
	"github.com/fernglade/punchlink/internal/wire"
	"github.com/fernglade/punchlink/pkg/identity"
	"github.com/fernglade/punchlink/pkg/types"
)

// SendInterval is the cadence probes are resent at.
const SendInterval = 200 * time.Millisecond

// MinSettle is the minimum time that must elapse after sending begins
// before a punch can be declared successful, giving the peer time to have
// received one of ours too.
const MinSettle = 400 * time.Millisecond

// DefaultTimeout is the overall punch deadline.
const DefaultTimeout = 30 * time.Second

const recvBufferSize = 1500

// ErrHolePunchTimeout is returned when no verified probe arrives before the
// overall deadline.
var ErrHolePunchTimeout = errors.New("probe: hole punch timed out")

// Result is what a successful punch yields: the peer endpoint the valid
// probe actually arrived from, and the TCP port it advertised.
type Result struct {
	ReachableEndpoint types.Endpoint
	PeerTCPPort       uint16
}

// Punch drives the protocol in §4.D on conn, which must already be bound to
// the port observed during STUN discovery. peerKey authenticates probes
// claiming to be from the peer; any datagram that doesn't verify is dropped
// and never advances the punch.
func Punch(ctx context.Context, conn *net.UDPConn, peerExternal, peerLocal types.Endpoint, peerKey ed25519.PublicKey, localTCPPort uint16, id *identity.Identity) (Result, error) {
	log := logging.New("probe")

	// Callers that already bounded ctx (the orchestrator, honoring its
	// configured udp_punch_timeout_s) keep that deadline as-is; callers that
	// didn't get the package default as a safety net.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	p, err := wire.NewProbe(localTCPPort, id)
	if err != nil {
		return Result{}, fmt.Errorf("probe: build outgoing probe: %w", err)
	}
	encoded := p.Encode()

	targets, err := resolveTargets(peerExternal, peerLocal)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	go sendLoop(ctx, conn, encoded, targets)
	go recvLoop(ctx, conn, peerKey, log, resultCh, errCh)

	select {
	case <-ctx.Done():
		return Result{}, ErrHolePunchTimeout
	case err := <-errCh:
		return Result{}, err
	case result := <-resultCh:
		if elapsed := time.Since(start); elapsed < MinSettle {
			select {
			case <-time.After(MinSettle - elapsed):
			case <-ctx.Done():
				return Result{}, ErrHolePunchTimeout
			}
		}
		return result, nil
	}
}

func resolveTargets(endpoints ...types.Endpoint) ([]*net.UDPAddr, error) {
	targets := make([]*net.UDPAddr, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsZero() {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", ep.String())
		if err != nil {
			return nil, fmt.Errorf("probe: resolve target %s: %w", ep, err)
		}
		targets = append(targets, addr)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("probe: no usable peer endpoints")
	}
	return targets, nil
}

func sendLoop(ctx context.Context, conn *net.UDPConn, encoded []byte, targets []*net.UDPAddr) {
	ticker := time.NewTicker(SendInterval)
	defer ticker.Stop()

	send := func() {
		for _, addr := range targets {
			conn.WriteToUDP(encoded, addr)
		}
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func recvLoop(ctx context.Context, conn *net.UDPConn, peerKey ed25519.PublicKey, log *logging.Logger, resultCh chan<- Result, errCh chan<- error) {
	buf := make([]byte, recvBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case errCh <- fmt.Errorf("probe: read datagram: %w", err):
			default:
			}
			return
		}

		probe, err := wire.DecodeProbe(buf[:n])
		if err != nil {
			log.WithField("from", addr).WithField("preview", logging.SecurePreview(buf[:n])).WithError(err).Trace("probe: dropped malformed datagram")
			continue
		}
		if !probe.Verify(peerKey) {
			log.WithField("from", addr).WithField("preview", logging.SecurePreview(buf[:n])).Debug("probe: dropped datagram with invalid signature")
			continue
		}

		result := Result{
			ReachableEndpoint: types.Endpoint{IP: addr.IP.String(), Port: addr.Port},
			PeerTCPPort:       probe.TCPPort,
		}
		select {
		case resultCh <- result:
		default:
		}
		return
	}
}
