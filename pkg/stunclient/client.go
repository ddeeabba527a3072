// Package stunclient drives a STUN Binding exchange over a caller-owned UDP
// socket, retrying with fixed spacing per §4.C.
package stunclient

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/fernglade/punchlink/internal/logging"
	"github.com/fernglade/punchlink/internal/wire"
	"github.com/fernglade/punchlink/pkg/types"
)

// DefaultAttempts and DefaultTimeout match §4.C: three attempts, 5s each.
const (
	DefaultAttempts = 3
	DefaultTimeout  = 5 * time.Second
)

// Client performs STUN discovery on a socket the caller continues to own
// after Discover returns, so the same NAT mapping is reused by the probe
// engine.
type Client struct {
	ServerAddr string
	Attempts   int
	Timeout    time.Duration

	log *logging.Logger
}

// New returns a Client with the default retry policy.
func New(serverAddr string) *Client {
	return &Client{
		ServerAddr: serverAddr,
		Attempts:   DefaultAttempts,
		Timeout:    DefaultTimeout,
		log:        logging.New("stunclient"),
	}
}

// Discover sends a Binding Request on conn and returns the external
// endpoint decoded from XOR-MAPPED-ADDRESS. conn must be an unconnected
// socket able to exchange datagrams with c.ServerAddr: requests are sent
// with WriteToUDP, which a connected socket rejects.
func (c *Client) Discover(ctx context.Context, conn *net.UDPConn) (*types.Endpoint, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", c.ServerAddr)
	if err != nil {
		return nil, types.NewSTUNError("resolve_address", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		endpoint, err := c.attempt(ctx, conn, serverAddr)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		c.log.WithField("attempt", attempt).WithError(err).Debug("stun attempt failed")
	}

	return nil, types.NewSTUNError("discover", fmt.Errorf("exhausted %d attempts: %w", c.Attempts, lastErr))
}

func (c *Client) attempt(ctx context.Context, conn *net.UDPConn, serverAddr *net.UDPAddr) (*types.Endpoint, error) {
	deadline := time.Now().Add(c.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, types.NewSTUNError("set_deadline", err)
	}
	defer conn.SetDeadline(time.Time{})

	txID := make([]byte, wire.TransactionIDSize)
	if _, err := rand.Read(txID); err != nil {
		return nil, types.NewSTUNError("generate_transaction_id", err)
	}

	request, err := wire.BuildBindingRequest(txID)
	if err != nil {
		return nil, types.NewSTUNError("build_request", err)
	}
	if _, err := conn.WriteToUDP(request, serverAddr); err != nil {
		return nil, types.NewSTUNError("send_request", err)
	}

	response := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(response)
	if err != nil {
		return nil, types.NewSTUNError("read_response", err)
	}

	endpoint, err := wire.ParseBindingResponse(response[:n], txID)
	if err != nil {
		return nil, types.NewSTUNError("parse_response", err)
	}
	return endpoint, nil
}
