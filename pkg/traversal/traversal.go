// Package traversal implements the orchestrator of §4.F: the state machine
// that sequences the signalling rendezvous, STUN discovery, authenticated
// UDP hole-punching, and TCP simultaneous-open into a single connected
// stream, owning every stage's timeout, retry policy, and resource
// lifetime.
package traversal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fernglade/punchlink/internal/config"
	"github.com/fernglade/punchlink/internal/logging"
	"github.com/fernglade/punchlink/internal/signaling"
	"github.com/fernglade/punchlink/internal/wire"
	"github.com/fernglade/punchlink/pkg/identity"
	"github.com/fernglade/punchlink/pkg/probe"
	"github.com/fernglade/punchlink/pkg/simopen"
	"github.com/fernglade/punchlink/pkg/stunclient"
	"github.com/fernglade/punchlink/pkg/types"
)

// connectAttempts and backoff govern the signalling connect retry policy
// of §4.F's ConnectingSignalling row: up to three attempts, 2x backoff.
const connectAttempts = 3

var connectBackoffBase = 1 * time.Second

// registerAttempts matches the Registering row's "5s × 2".
const registerAttempts = 2

// Result is what a successful traversal hands the caller: the connected
// TCP stream, framed-ready, plus the verified peer fingerprint.
type Result struct {
	Conn            net.Conn
	PeerFingerprint string
}

// Traversal is a single-use NAT-traversal instance. Exactly one Connect
// call succeeds or fails per instance; a second call after the first
// reaches Connected or Failed is rejected.
type Traversal struct {
	id       *identity.Identity
	cfg      config.Config
	timeouts config.Timeouts
	log      *logging.Logger

	mu      sync.Mutex
	state   State
	lastErr *Error

	sigClient *signaling.Client
	udpConn   *net.UDPConn
}

// New constructs a Traversal from cfg, validating it and checking that
// local_fingerprint matches the fingerprint derived from signing_key_bytes.
func New(cfg config.Config, timeouts config.Timeouts) (*Traversal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := identity.FromSeed(cfg.SigningKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("traversal: derive identity: %w", err)
	}
	if id.Fingerprint() != cfg.LocalFingerprint {
		return nil, fmt.Errorf("traversal: local_fingerprint %q does not match signing_key_bytes (got %q)", cfg.LocalFingerprint, id.Fingerprint())
	}

	return &Traversal{
		id:       id,
		cfg:      cfg,
		timeouts: timeouts,
		log:      logging.New("traversal"),
		state:    Idle,
	}, nil
}

// GetState returns the current enumerant. Safe for concurrent use with
// Connect.
func (t *Traversal) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns a human-readable description of the terminal error if
// the instance is Failed, else the empty string.
func (t *Traversal) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Failed || t.lastErr == nil {
		return ""
	}
	return t.lastErr.Error()
}

func (t *Traversal) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.WithFields(logging.StageFields(s.String(), 0)).Debug("traversal: state transition")
}

// fail records err as the terminal error, transitions to Failed, and
// releases owned resources exactly once.
func (t *Traversal) fail(kind Kind, stage State, cause error) *Error {
	traversalErr := newError(kind, stage, cause)

	t.mu.Lock()
	t.state = Failed
	t.lastErr = traversalErr
	t.mu.Unlock()

	t.release()
	t.log.WithFields(logging.StageFields(stage.String(), 0)).WithField("kind", kind).WithError(cause).Warn("traversal failed")
	return traversalErr
}

func (t *Traversal) release() {
	if t.sigClient != nil {
		t.sigClient.Close()
	}
	if t.udpConn != nil {
		t.udpConn.Close()
	}
}

// Connect drives the full pipeline against peerFingerprint and blocks until
// the instance reaches Connected or Failed. Cancelling ctx always leads to
// Failed, never Connected.
func (t *Traversal) Connect(ctx context.Context, peerFingerprint string) (Result, error) {
	t.mu.Lock()
	if t.state != Idle {
		current := t.state
		t.mu.Unlock()
		return Result{}, newError(KindMisuseReuseAfterTerminal, current, nil)
	}
	t.state = ConnectingSignalling
	t.mu.Unlock()

	peerKey, err := identity.ParseFingerprint(peerFingerprint)
	if err != nil {
		return Result{}, t.fail(KindSignallingError, ConnectingSignalling, fmt.Errorf("invalid peer fingerprint: %w", err))
	}

	if err := t.connectSignalling(ctx); err != nil {
		return Result{}, err
	}

	if err := t.register(ctx); err != nil {
		return Result{}, err
	}

	// No taxonomy entry covers a pre-flight local port reservation failure;
	// TcpSimultaneousOpenTimeout is the nearest TCP-layer category.
	localTCPPort, err := bindLocalTCPPort(t.cfg.TCPPort)
	if err != nil {
		return Result{}, t.fail(KindTcpSimultaneousOpenTime, StunDiscovery, err)
	}

	external, local, err := t.discoverStun(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := t.sendOffer(peerFingerprint, external, local); err != nil {
		return Result{}, err
	}

	peerOffer, err := t.awaitOffer(ctx)
	if err != nil {
		return Result{}, err
	}

	t.setState(UdpHolePunching)
	punchResult, err := t.punch(ctx, peerOffer, peerKey, localTCPPort)
	if err != nil {
		return Result{}, err
	}

	t.setState(TcpConnecting)
	conn, err := t.simultaneousOpen(ctx, localTCPPort, punchResult)
	if err != nil {
		return Result{}, err
	}

	t.mu.Lock()
	t.state = Connected
	t.mu.Unlock()

	// The signalling channel and UDP socket are no longer needed once the
	// TCP stream is in hand; release them but keep the stream.
	if t.sigClient != nil {
		t.sigClient.Close()
	}
	if t.udpConn != nil {
		t.udpConn.Close()
	}

	// peerFingerprint is the key the peer's probe was verified under; the
	// offer's from_fingerprint is only the signalling server's claim.
	return Result{Conn: conn, PeerFingerprint: peerFingerprint}, nil
}

func (t *Traversal) connectSignalling(ctx context.Context) error {
	delay := connectBackoffBase
	var lastErr error

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return t.fail(KindCancelled, ConnectingSignalling, ctx.Err())
		default:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, t.timeouts.Signalling)
		client, err := signaling.Connect(attemptCtx, t.cfg.SignallingURL)
		cancel()
		if err == nil {
			t.sigClient = client
			t.sigClient.StartKeepalive(ctx)
			t.setState(Registering)
			return nil
		}
		lastErr = err
		t.log.WithFields(logging.StageFields(ConnectingSignalling.String(), attempt)).WithError(err).Debug("signalling connect failed")

		if attempt < connectAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return t.fail(KindCancelled, ConnectingSignalling, ctx.Err())
			}
			delay *= 2
		}
	}

	return t.fail(KindSignallingUnreachable, ConnectingSignalling, lastErr)
}

func (t *Traversal) register(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= registerAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return t.fail(KindCancelled, Registering, ctx.Err())
		default:
		}

		// No separate register timeout is configurable; it shares the 5s
		// default with STUN discovery per §4.F's table.
		err := withStageTimeout(ctx, t.timeouts.Stun, func() { t.sigClient.Close() }, func() error {
			return t.sigClient.Register(t.cfg.LocalFingerprint)
		})
		if err == nil {
			t.setState(StunDiscovery)
			return nil
		}
		if errors.Is(err, signaling.ErrFingerprintConflict) {
			return t.fail(KindFingerprintConflict, Registering, err)
		}
		lastErr = err
		t.log.WithFields(logging.StageFields(Registering.String(), attempt)).WithError(err).Debug("register attempt failed")
	}

	return t.fail(KindSignallingError, Registering, lastErr)
}

func (t *Traversal) discoverStun(ctx context.Context) (types.Endpoint, types.Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return types.Endpoint{}, types.Endpoint{}, t.fail(KindStunTimeout, StunDiscovery, err)
	}
	t.udpConn = conn

	local := types.Endpoint{IP: localIP(), Port: conn.LocalAddr().(*net.UDPAddr).Port}

	client := stunclient.New(t.cfg.StunServerAddr)
	client.Timeout = t.timeouts.Stun

	stunCtx, cancel := context.WithTimeout(ctx, client.Timeout*time.Duration(client.Attempts)+time.Second)
	defer cancel()

	external, err := client.Discover(stunCtx, conn)
	if err != nil {
		return types.Endpoint{}, types.Endpoint{}, t.fail(classifyStunError(err), StunDiscovery, err)
	}

	t.setState(SendingOffer)
	return *external, local, nil
}

func (t *Traversal) sendOffer(peerFingerprint string, external, local types.Endpoint) error {
	if _, err := t.sigClient.SendOffer(t.cfg.LocalFingerprint, peerFingerprint, external, local); err != nil {
		return t.fail(KindSignallingError, SendingOffer, err)
	}
	t.setState(WaitingForOffer)
	return nil
}

// awaitOffer blocks for the peer's forward_offer. AwaitForwardOffer only
// checks offerCtx between reads, so a pending read has to be forced to
// return by closing the channel out from under it; otherwise cancellation
// could wait on the peer indefinitely instead of reaching Failed promptly.
func (t *Traversal) awaitOffer(ctx context.Context) (types.PeerOffer, error) {
	offerCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	type awaitResult struct {
		offer types.PeerOffer
		err   error
	}
	done := make(chan awaitResult, 1)
	go func() {
		offer, err := t.sigClient.AwaitForwardOffer(offerCtx)
		done <- awaitResult{offer, err}
	}()

	var res awaitResult
	select {
	case res = <-done:
	case <-offerCtx.Done():
		t.sigClient.Close()
		res = <-done
		res.err = offerCtx.Err()
	}

	if res.err != nil {
		var remoteErr *signaling.RemoteError
		switch {
		case errors.As(res.err, &remoteErr):
			return types.PeerOffer{}, t.fail(KindSignallingError, WaitingForOffer, res.err)
		case errors.Is(res.err, context.Canceled):
			return types.PeerOffer{}, t.fail(KindCancelled, WaitingForOffer, res.err)
		default:
			return types.PeerOffer{}, t.fail(KindOfferExchangeTimeout, WaitingForOffer, res.err)
		}
	}
	return res.offer, nil
}

func (t *Traversal) punch(ctx context.Context, peerOffer types.PeerOffer, peerKey ed25519.PublicKey, localTCPPort uint16) (probe.Result, error) {
	punchCtx, cancel := context.WithTimeout(ctx, t.timeouts.UDPPunch)
	defer cancel()

	result, err := probe.Punch(punchCtx, t.udpConn, peerOffer.External, peerOffer.Local, peerKey, localTCPPort, t.id)
	if err != nil {
		return probe.Result{}, t.fail(KindHolePunchTimeout, UdpHolePunching, err)
	}
	return result, nil
}

func (t *Traversal) simultaneousOpen(ctx context.Context, localTCPPort uint16, punchResult probe.Result) (net.Conn, error) {
	tcpCtx, cancel := context.WithTimeout(ctx, t.timeouts.TCP)
	defer cancel()

	peerAddr := fmt.Sprintf("%s:%d", punchResult.ReachableEndpoint.IP, punchResult.PeerTCPPort)
	conn, err := simopen.Open(tcpCtx, localTCPPort, peerAddr)
	if err != nil {
		return nil, t.fail(KindTcpSimultaneousOpenTime, TcpConnecting, err)
	}
	return conn, nil
}

// withStageTimeout runs fn in a goroutine and waits up to timeout or until
// ctx is cancelled, whichever comes first. fn itself may block on I/O that
// doesn't honor ctx (e.g. a synchronous WebSocket read); abort is called in
// that case to force the blocking call to return.
func withStageTimeout(ctx context.Context, timeout time.Duration, abort func(), fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		if abort != nil {
			abort()
		}
		return context.DeadlineExceeded
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		return ctx.Err()
	}
}

// bindLocalTCPPort binds an ephemeral (or the preferred, if nonzero)
// listener just long enough to learn the port the probe will advertise,
// then releases it; §4.E rebinds the same port with SO_REUSEADDR/PORT once
// the peer's endpoint is known.
func bindLocalTCPPort(preferred int) (uint16, error) {
	l, err := net.Listen("tcp4", fmt.Sprintf(":%d", preferred))
	if err != nil {
		return 0, fmt.Errorf("traversal: bind local tcp port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("traversal: release local tcp port: %w", err)
	}
	return uint16(port), nil
}

// classifyStunError maps a stunclient.Discover failure onto the §7 taxonomy.
// Discover wraps each failed attempt in a *types.STUNError and the
// exhausted-attempts error in one more (op "discover"); a ctx error seen
// between attempts is returned unwrapped. This unwraps one level past the
// "discover" wrapper to tell a malformed/wrong-transaction response apart
// from a server-reported error code or plain timeout.
func classifyStunError(err error) Kind {
	var wireErr *wire.StunErrorResponse
	if errors.As(err, &wireErr) {
		return KindStunErrorResponse
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindStunTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStunTimeout
	}

	var stunErr *types.STUNError
	if errors.As(err, &stunErr) {
		var inner *types.STUNError
		if stunErr.Op == "discover" && errors.As(stunErr.Err, &inner) {
			stunErr = inner
		}
		switch stunErr.Op {
		case "discover", "read_response", "set_deadline":
			return KindStunTimeout
		default:
			return KindStunMalformed
		}
	}
	return KindStunMalformed
}

func localIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
