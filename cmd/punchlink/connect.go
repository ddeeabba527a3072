package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernglade/punchlink/internal/config"
	"github.com/fernglade/punchlink/pkg/frame"
	"github.com/fernglade/punchlink/pkg/identity"
	"github.com/fernglade/punchlink/pkg/stunclient"
	"github.com/fernglade/punchlink/pkg/traversal"
)

func discoverCommand(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	stunAddr := fs.String("stun", "", "STUN server address (host:port)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *stunAddr == "" {
		return fmt.Errorf("--stun flag is required (use --help for usage)")
	}

	fmt.Println("Discovering public endpoint via STUN...")

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("bind local socket: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client := stunclient.New(*stunAddr)
	endpoint, err := client.Discover(ctx, conn)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Printf("\nDiscovered public endpoint: %s\n", endpoint)
	fmt.Println("Share this endpoint with your peer to establish a connection.")
	return nil
}

func connectCommand(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	peerFingerprint := fs.String("peer-fingerprint", "", "Peer's 64-character hex fingerprint (required)")
	signallingURL := fs.String("signalling", "", "Signalling server URL, e.g. wss://rendezvous.example.com (required)")
	stunAddr := fs.String("stun", "", "STUN server address, host:port (required)")
	signingKeyHex := fs.String("signing-key-hex", "", "64-character hex Ed25519 seed; a fresh one is generated and printed if omitted")
	tcpPort := fs.Int("tcp-port", 0, "Preferred local TCP port (0 selects one automatically)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *peerFingerprint == "" || *signallingURL == "" || *stunAddr == "" {
		return fmt.Errorf("--peer-fingerprint, --signalling, and --stun are all required (use --help for usage)")
	}

	seed, err := resolveSigningKey(*signingKeyHex)
	if err != nil {
		return err
	}

	id, err := identity.FromSeed(seed)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}

	fmt.Println("=== punchlink connect ===")
	fmt.Printf("Your fingerprint: %s\n", id.Fingerprint())
	fmt.Printf("Peer fingerprint:  %s\n", *peerFingerprint)
	fmt.Println()

	cfg := config.Config{
		SignallingURL:    *signallingURL,
		StunServerAddr:   *stunAddr,
		LocalFingerprint: id.Fingerprint(),
		SigningKeyBytes:  seed,
		TCPPort:          *tcpPort,
	}
	timeouts, err := config.LoadTimeouts()
	if err != nil {
		return fmt.Errorf("load timeouts: %w", err)
	}

	trav, err := traversal.New(cfg, timeouts)
	if err != nil {
		return fmt.Errorf("construct traversal: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Connecting to signalling server, discovering public endpoint, and punching through NAT...")
	result, err := trav.Connect(ctx, *peerFingerprint)
	if err != nil {
		return fmt.Errorf("traversal failed in state %s: %w", trav.GetState(), err)
	}
	defer result.Conn.Close()

	fmt.Printf("\nConnected to %s\n", result.PeerFingerprint)
	fmt.Println("Type a line and press Enter to send it to your peer; Ctrl+C to close.")
	fmt.Println()

	return runChat(ctx, result.Conn)
}

// runChat is a minimal demonstration of the framed transport: lines typed
// on stdin are sent as frames, and frames received from the peer are
// printed. The session's cryptographic ratchet is out of scope; this just
// exercises the length-prefixed record layer directly.
func runChat(ctx context.Context, conn net.Conn) error {
	writer := frame.NewWriter(conn)
	reader := frame.NewReader(conn)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		for {
			payload, err := reader.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			fmt.Printf("peer> %s\n", payload)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := writer.WriteFrame([]byte(scanner.Text())); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		select {
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		default:
		}
	}
	return nil
}

func resolveSigningKey(hexSeed string) ([]byte, error) {
	if hexSeed == "" {
		seed := make([]byte, identity.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		fmt.Printf("Generated signing key: %s\n", hex.EncodeToString(seed))
		fmt.Println("Save this if you want to reuse the same fingerprint next time.")
		return seed, nil
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("--signing-key-hex is not valid hex: %w", err)
	}
	if len(seed) != identity.SeedSize {
		return nil, fmt.Errorf("--signing-key-hex must decode to %d bytes, got %d", identity.SeedSize, len(seed))
	}
	return seed, nil
}

func printConnectUsage() {
	fmt.Println("Usage: punchlink connect --peer-fingerprint <fp> --signalling <url> --stun <host:port> [options]")
	fmt.Println()
	fmt.Println("Traverses NAT to reach a peer identified by its Ed25519 fingerprint,")
	fmt.Println("via signalling rendezvous, STUN discovery, authenticated UDP hole")
	fmt.Println("punching, and TCP simultaneous-open.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --peer-fingerprint string  Peer's 64-character hex fingerprint (required)")
	fmt.Println("  --signalling string        Signalling server URL, e.g. wss://host (required)")
	fmt.Println("  --stun string              STUN server address, host:port (required)")
	fmt.Println("  --signing-key-hex string   64-character hex Ed25519 seed (generated if omitted)")
	fmt.Println("  --tcp-port int             Preferred local TCP port (default: OS-assigned)")
	fmt.Println()
	fmt.Println("Setup Instructions:")
	fmt.Println("  1. Both peers run punchlink connect with each other's fingerprint.")
	fmt.Println("  2. Fingerprints are shared with peers out-of-band ahead of time.")
	fmt.Println("  3. Start both commands within a minute of each other; each side waits 60 seconds for the other's offer.")
}
