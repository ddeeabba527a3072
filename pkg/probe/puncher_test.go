package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fernglade/punchlink/internal/wire"
	"github.com/fernglade/punchlink/pkg/identity"
	"github.com/fernglade/punchlink/pkg/types"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func endpointOf(conn *net.UDPConn) types.Endpoint {
	addr := conn.LocalAddr().(*net.UDPAddr)
	return types.Endpoint{IP: addr.IP.String(), Port: addr.Port}
}

func TestPunchSucceedsBetweenTwoSockets(t *testing.T) {
	aConn := listenLoopback(t)
	bConn := listenLoopback(t)

	aID, err := identity.Generate()
	require.NoError(t, err)
	bID, err := identity.Generate()
	require.NoError(t, err)

	aEP := endpointOf(aConn)
	bEP := endpointOf(bConn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := Punch(ctx, aConn, bEP, types.Endpoint{}, bID.PublicKey(), 40001, aID)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	r, err := Punch(ctx, bConn, aEP, types.Endpoint{}, aID.PublicKey(), 40002, bID)
	require.NoError(t, err)
	require.Equal(t, uint16(40001), r.PeerTCPPort)

	select {
	case aResult := <-resultCh:
		require.Equal(t, uint16(40002), aResult.PeerTCPPort)
	case err := <-errCh:
		t.Fatalf("peer a punch failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peer a's punch result")
	}
}

func TestPunchIgnoresUnsignedDatagrams(t *testing.T) {
	aConn := listenLoopback(t)
	attacker := listenLoopback(t)

	aID, err := identity.Generate()
	require.NoError(t, err)
	peerID, err := identity.Generate()
	require.NoError(t, err)

	aEP := endpointOf(aConn)

	// Attacker floods forged probes claiming peerID's tcp_port but signed
	// under its own unrelated key.
	forged, err := wire.NewProbe(9999, attackerIdentity(t))
	require.NoError(t, err)
	go func() {
		for i := 0; i < 20; i++ {
			attacker.WriteToUDP(forged.Encode(), &net.UDPAddr{IP: net.ParseIP(aEP.IP), Port: aEP.Port})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	_, err = Punch(ctx, aConn, endpointOf(attacker), types.Endpoint{}, peerID.PublicKey(), 40001, aID)
	require.ErrorIs(t, err, ErrHolePunchTimeout)
}

func attackerIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}
