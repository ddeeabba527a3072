// Package simopen implements the TCP simultaneous-open race of §4.E: once
// both peers know each other's reachable endpoint and advertised TCP port
// from a successful punch, each side binds that same local port and races a
// Listen/Accept against a Dial to the peer, taking whichever succeeds
// first.
package simopen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fernglade/punchlink/internal/logging"
)

// RetryInterval is the spacing between connect attempts while the peer's
// listener has not yet come up.
const RetryInterval = 100 * time.Millisecond

// DefaultTimeout is the overall deadline for the race.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when neither side of the race completes before the
// deadline.
var ErrTimeout = errors.New("simopen: simultaneous open timed out")

// Open races a listener bound to localPort against repeated connect
// attempts to peerAddr (host:port), also sourced from localPort, and
// returns whichever completes first. The loser, if any, is closed.
func Open(ctx context.Context, localPort uint16, peerAddr string) (net.Conn, error) {
	log := logging.New("simopen")

	// Honor a caller-supplied deadline (the orchestrator's configured
	// tcp_timeout_s) instead of overriding it; fall back to the package
	// default only when the caller left ctx unbounded.
	if _, ok := ctx.Deadline(); !ok {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, DefaultTimeout)
		defer timeoutCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lc := net.ListenConfig{Control: reuseControl}
	listener, err := lc.Listen(ctx, "tcp4", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("simopen: listen on :%d: %w", localPort, err)
	}

	boundPort := listener.Addr().(*net.TCPAddr).Port
	dialer := &net.Dialer{
		Control:   reuseControl,
		LocalAddr: &net.TCPAddr{Port: boundPort},
	}

	acceptCh := make(chan net.Conn, 1)
	dialCh := make(chan net.Conn, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		acceptCh <- conn
	}()

	go dialLoop(ctx, dialer, peerAddr, log, dialCh)

	var winner net.Conn
	var loserCh chan net.Conn

	select {
	case <-ctx.Done():
		listener.Close()
		return nil, ErrTimeout
	case winner = <-acceptCh:
		loserCh = dialCh
	case winner = <-dialCh:
		loserCh = acceptCh
	}

	cancel()
	listener.Close()

	go func() {
		select {
		case c := <-loserCh:
			if c != nil {
				c.Close()
			}
		case <-time.After(2 * time.Second):
		}
	}()

	log.WithField("local_addr", winner.LocalAddr()).WithField("remote_addr", winner.RemoteAddr()).Info("simultaneous open completed")
	return winner, nil
}

func dialLoop(ctx context.Context, dialer *net.Dialer, peerAddr string, log *logging.Logger, dialCh chan<- net.Conn) {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	attempt := func() bool {
		conn, err := dialer.DialContext(ctx, "tcp4", peerAddr)
		if err != nil {
			log.WithField("peer_addr", peerAddr).WithError(err).Trace("simopen: connect attempt failed")
			return false
		}
		select {
		case dialCh <- conn:
		default:
			conn.Close()
		}
		return true
	}

	if attempt() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if attempt() {
				return
			}
		}
	}
}
