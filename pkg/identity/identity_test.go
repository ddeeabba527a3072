package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	fp := id.Fingerprint()
	require.Len(t, fp, 64)

	key, err := ParseFingerprint(fp)
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), key)
}

func TestFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFromSeedRejectsWrongLength(t *testing.T) {
	_, err := FromSeed([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("PINEAPPLE_PROBE")
	sig := id.Sign(msg)

	require.True(t, Verify(id.PublicKey(), msg, sig))
	require.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
}

func TestParseFingerprintRejectsBadInput(t *testing.T) {
	_, err := ParseFingerprint("not-hex")
	require.Error(t, err)

	_, err = ParseFingerprint("aa")
	require.Error(t, err)
}
