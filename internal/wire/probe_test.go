package wire

import (
	"testing"

	"github.com/fernglade/punchlink/pkg/identity"
	"github.com/stretchr/testify/require"
)

func TestProbeEncodeDecodeRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	p, err := NewProbe(40001, id)
	require.NoError(t, err)

	encoded := p.Encode()
	require.Len(t, encoded, ProbeSize)

	decoded, err := DecodeProbe(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
	require.True(t, decoded.Verify(id.PublicKey()))
}

func TestProbeRejectsWrongLength(t *testing.T) {
	_, err := DecodeProbe(make([]byte, 10))
	require.Error(t, err)
}

func TestProbeRejectsBadMagic(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	p, err := NewProbe(40001, id)
	require.NoError(t, err)

	encoded := p.Encode()
	encoded[0] ^= 0xff

	_, err = DecodeProbe(encoded)
	require.Error(t, err)
}

func TestProbeRejectsZeroPort(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	_, err = NewProbe(0, id)
	require.Error(t, err)
}

func TestProbeVerifyFailsUnderWrongKey(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	other, err := identity.Generate()
	require.NoError(t, err)

	p, err := NewProbe(40001, sender)
	require.NoError(t, err)

	require.False(t, p.Verify(other.PublicKey()))
}

func TestProbeVerifyFailsOnTamperedField(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	p, err := NewProbe(40001, id)
	require.NoError(t, err)

	encoded := p.Encode()
	encoded[12] ^= 0xff // tamper with tcp_port

	decoded, err := DecodeProbe(encoded)
	require.NoError(t, err)
	require.False(t, decoded.Verify(id.PublicKey()))
}

func TestProbeVerifyFailsOnRandomSignature(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	p, err := NewProbe(40001, id)
	require.NoError(t, err)
	for i := range p.Signature {
		p.Signature[i] = byte(i)
	}

	require.False(t, p.Verify(id.PublicKey()))
}
