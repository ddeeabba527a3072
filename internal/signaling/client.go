package signaling

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fernglade/punchlink/internal/logging"
	"github.com/fernglade/punchlink/pkg/types"
	"github.com/gorilla/websocket"
)

// ErrFingerprintConflict is returned by Register when the server rejects the
// fingerprint as already registered.
var ErrFingerprintConflict = errors.New("signaling: fingerprint already registered")

// ErrChannelClosed is returned from any operation once the underlying
// WebSocket connection has been closed, locally or by the peer.
var ErrChannelClosed = errors.New("signaling: channel closed")

// RemoteError wraps an inbound {type:"error"} frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("signaling: server reported error: %s", e.Message)
}

// KeepaliveInterval matches the 30s cadence in §4.B.
const KeepaliveInterval = 30 * time.Second

// Client is the signalling channel owned exclusively by one traversal
// instance, used sequentially except for the background keepalive, which
// takes the write lock before every frame it sends.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	log *logging.Logger

	keepaliveCancel context.CancelFunc
	closeOnce       sync.Once
}

// Connect dials url, a wss:// signalling endpoint, verifying the server's
// certificate against the host trust store with standard hostname matching
// (no self-signed shortcut: the host's CA pool is the only trust anchor).
func Connect(ctx context.Context, rawURL string) (*Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	return connect(ctx, rawURL, pool)
}

// connect is Connect's implementation, parameterized on the trust pool so
// tests can verify against a pool containing a test certificate authority
// instead of the real system store.
func connect(ctx context.Context, rawURL string, pool *x509.CertPool) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid url: %w", err)
	}

	dialer := &websocket.Dialer{
		TLSClientConfig: &tls.Config{
			RootCAs:    pool,
			ServerName: parsed.Hostname(),
			MinVersion: tls.VersionTLS12,
		},
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: connect to %s: %w", rawURL, err)
	}

	c := &Client{conn: conn, log: logging.New("signaling")}
	return c, nil
}

// Register sends {type:"register"} and waits for register_ack.
func (c *Client) Register(fingerprint string) error {
	if err := c.send(newRegister(fingerprint)); err != nil {
		return err
	}

	msg, err := c.receive()
	if err != nil {
		return err
	}
	if msg.Type != TypeRegisterAck {
		return fmt.Errorf("signaling: unexpected response to register: %s", msg.Type)
	}
	if !msg.Success {
		return fmt.Errorf("%w: %s", ErrFingerprintConflict, msg.Message)
	}
	return nil
}

// SendOffer transmits this instance's offer to targetFingerprint and
// generates the nonce carried on the wire.
func (c *Client) SendOffer(localFingerprint, targetFingerprint string, external, local types.Endpoint) (uint64, error) {
	nonce, err := randomNonce()
	if err != nil {
		return 0, err
	}

	msg := newOffer(targetFingerprint, localFingerprint, external.IP, external.Port, local.IP, local.Port, nonce)
	if err := c.send(msg); err != nil {
		return 0, err
	}
	return nonce, nil
}

// AwaitForwardOffer blocks until a forward_offer or error frame arrives.
// ctx is checked before each read; a read already in progress is not
// interrupted by cancelling ctx, only by closing the client. Unrecognized
// frame types are logged and skipped.
func (c *Client) AwaitForwardOffer(ctx context.Context) (types.PeerOffer, error) {
	for {
		select {
		case <-ctx.Done():
			return types.PeerOffer{}, ctx.Err()
		default:
		}

		msg, err := c.receive()
		if err != nil {
			return types.PeerOffer{}, err
		}

		switch msg.Type {
		case TypeForwardOffer:
			return types.PeerOffer{
				FromFingerprint: msg.FromFingerprint,
				External:        types.Endpoint{IP: msg.ExternalIP, Port: msg.ExternalPort},
				Local:           types.Endpoint{IP: msg.LocalIP, Port: msg.LocalPort},
				Nonce:           msg.Nonce,
			}, nil
		case TypeError:
			return types.PeerOffer{}, &RemoteError{Message: msg.Message}
		default:
			c.log.WithField("type", msg.Type).Debug("signaling: ignoring unrecognized frame while awaiting offer")
		}
	}
}

// StartKeepalive launches the background keepalive loop described in §4.B.
// It stops when ctx is cancelled or Close is called.
func (c *Client) StartKeepalive(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.send(newKeepalive()); err != nil {
					c.log.WithError(err).Debug("signaling: keepalive send failed")
					return
				}
			}
		}
	}()
}

// Close performs a normal WebSocket close and releases resources. Safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.keepaliveCancel != nil {
			c.keepaliveCancel()
		}
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// receive reads the next frame, transparently answering pings.
func (c *Client) receive() (Message, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}

		switch msgType {
		case websocket.TextMessage:
			return decode(data)
		case websocket.PingMessage:
			c.writeMu.Lock()
			_ = c.conn.WriteMessage(websocket.PongMessage, data)
			c.writeMu.Unlock()
		case websocket.CloseMessage:
			return Message{}, ErrChannelClosed
		default:
			// ignore binary/pong frames
		}
	}
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("signaling: generate nonce: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
