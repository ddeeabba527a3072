package signaling

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fernglade/punchlink/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// newTestServer starts a TLS WebSocket server driven by handle, and returns
// a wss:// URL plus a cert pool trusting exactly that server's certificate
// (exercising real verification, not a skip-verify shortcut).
func newTestServer(t *testing.T, handle func(*websocket.Conn)) (string, *x509.CertPool) {
	t.Helper()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	wsURL := "wss" + strings.TrimPrefix(srv.URL, "https")
	return wsURL, pool
}

func TestClientRegisterSuccess(t *testing.T) {
	wsURL, pool := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := decode(data)
		require.NoError(t, err)
		require.Equal(t, TypeRegister, msg.Type)
		require.Equal(t, "aa..aa", msg.Fingerprint)

		ack, err := encode(Message{Type: TypeRegisterAck, Success: true})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := connect(ctx, wsURL, pool)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Register("aa..aa"))
}

func TestClientRegisterConflict(t *testing.T) {
	wsURL, pool := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)

		ack, err := encode(Message{Type: TypeRegisterAck, Success: false, Message: "fingerprint already registered"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, ack))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := connect(ctx, wsURL, pool)
	require.NoError(t, err)
	defer c.Close()

	err = c.Register("aa..aa")
	require.ErrorIs(t, err, ErrFingerprintConflict)
}

func TestClientAwaitForwardOffer(t *testing.T) {
	wsURL, pool := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, _, err := conn.ReadMessage() // the offer
		require.NoError(t, err)

		fwd, err := encode(Message{
			Type:            TypeForwardOffer,
			FromFingerprint: "bb..bb",
			ExternalIP:      "198.51.100.7",
			ExternalPort:    33333,
			LocalIP:         "10.0.0.9",
			LocalPort:       40002,
			Nonce:           1234567890,
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, fwd))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := connect(ctx, wsURL, pool)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SendOffer("aa..aa", "bb..bb",
		types.Endpoint{IP: "203.0.113.45", Port: 54321},
		types.Endpoint{IP: "10.0.0.5", Port: 40001},
	)
	require.NoError(t, err)

	peer, err := c.AwaitForwardOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, "bb..bb", peer.FromFingerprint)
	require.Equal(t, "198.51.100.7", peer.External.IP)
	require.Equal(t, 33333, peer.External.Port)
	require.Equal(t, uint64(1234567890), peer.Nonce)
}

func TestClientAwaitForwardOfferSurfacesRemoteError(t *testing.T) {
	wsURL, pool := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		errMsg, err := encode(Message{Type: TypeError, Message: "target not registered"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, errMsg))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := connect(ctx, wsURL, pool)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.AwaitForwardOffer(ctx)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
}
