package simopen

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freePort asks the kernel for an ephemeral TCP port and immediately frees
// it, giving both sides of the race a port neither already holds.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestOpenSucceedsBetweenTwoSides(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		conn net.Conn
		err  error
	}
	aCh := make(chan outcome, 1)

	go func() {
		conn, err := Open(ctx, portA, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(portB))))
		aCh <- outcome{conn, err}
	}()

	bConn, err := Open(ctx, portB, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(portA))))
	require.NoError(t, err)
	defer bConn.Close()

	a := <-aCh
	require.NoError(t, a.err)
	defer a.conn.Close()

	_, err = a.conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(bConn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestOpenTimesOutWithNoPeer(t *testing.T) {
	port := freePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	unreachable := freePort(t)
	_, err := Open(ctx, port, net.JoinHostPort("127.0.0.1", strconv.Itoa(int(unreachable))))
	require.ErrorIs(t, err, ErrTimeout)
}
