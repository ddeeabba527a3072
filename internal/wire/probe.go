package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/fernglade/punchlink/pkg/identity"
)

// ProbeMagic identifies a punch probe datagram ("PNPL").
const ProbeMagic uint32 = 0x504E504C

// ProbeSize is the fixed wire length of a probe: magic(4) + nonce(8) +
// tcp_port(2) + signature(64).
const ProbeSize = 4 + 8 + 2 + ed25519.SignatureSize

const probeSignaturePrefix = "PINEAPPLE_PROBE"

// Probe is the authenticated UDP datagram used to punch a NAT hole and to
// advertise the sender's local TCP port.
type Probe struct {
	Nonce     uint64
	TCPPort   uint16
	Signature [ed25519.SignatureSize]byte
}

// NewProbe builds and signs a probe advertising tcpPort under id's key.
func NewProbe(tcpPort uint16, id *identity.Identity) (Probe, error) {
	if tcpPort == 0 {
		return Probe{}, fmt.Errorf("wire: probe tcp_port must be non-zero")
	}

	var nonceBuf [8]byte
	if _, err := rand.Read(nonceBuf[:]); err != nil {
		return Probe{}, fmt.Errorf("wire: generate probe nonce: %w", err)
	}
	nonce := binary.BigEndian.Uint64(nonceBuf[:])

	sig := id.Sign(messageToSign(nonce, tcpPort))

	p := Probe{Nonce: nonce, TCPPort: tcpPort}
	copy(p.Signature[:], sig)
	return p, nil
}

func messageToSign(nonce uint64, tcpPort uint16) []byte {
	buf := make([]byte, len(probeSignaturePrefix)+8+2)
	n := copy(buf, probeSignaturePrefix)
	binary.BigEndian.PutUint64(buf[n:], nonce)
	binary.BigEndian.PutUint16(buf[n+8:], tcpPort)
	return buf
}

// Encode serializes the probe to its fixed 78-byte wire layout.
func (p Probe) Encode() []byte {
	buf := make([]byte, ProbeSize)
	binary.BigEndian.PutUint32(buf[0:4], ProbeMagic)
	binary.BigEndian.PutUint64(buf[4:12], p.Nonce)
	binary.BigEndian.PutUint16(buf[12:14], p.TCPPort)
	copy(buf[14:], p.Signature[:])
	return buf
}

// DecodeProbe parses a probe from raw bytes. It checks length and magic but
// does not verify the signature; callers must call Verify before trusting
// any field.
func DecodeProbe(data []byte) (Probe, error) {
	if len(data) != ProbeSize {
		return Probe{}, fmt.Errorf("wire: probe has wrong length: %d, want %d", len(data), ProbeSize)
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != ProbeMagic {
		return Probe{}, fmt.Errorf("wire: probe has wrong magic: 0x%08x", magic)
	}

	p := Probe{
		Nonce:   binary.BigEndian.Uint64(data[4:12]),
		TCPPort: binary.BigEndian.Uint16(data[12:14]),
	}
	copy(p.Signature[:], data[14:])
	return p, nil
}

// Verify reports whether the probe's signature is valid under peerKey. This
// is the mandatory gate before any field of the probe is trusted.
func (p Probe) Verify(peerKey ed25519.PublicKey) bool {
	if p.TCPPort == 0 {
		return false
	}
	return identity.Verify(peerKey, messageToSign(p.Nonce, p.TCPPort), p.Signature[:])
}
