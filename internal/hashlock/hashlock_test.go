package hashlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

func TestCommitVerifyRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		s, err := NewSecret()
		require.NoError(t, err)
		h := Commit(s)
		assert.True(t, VerifySecret(s, h))

		other, err := NewSecret()
		require.NoError(t, err)
		require.NotEqual(t, s, other)
		assert.False(t, VerifySecret(other, h))
	}
}

func TestCommitKnownVector(t *testing.T) {
	// sha256 of 32 zero bytes
	want, err := domain.ParseHash("0x66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925")
	require.NoError(t, err)
	assert.Equal(t, want, Commit(domain.Secret{}))
}

func TestVerifyMalformedInput(t *testing.T) {
	s, err := NewSecret()
	require.NoError(t, err)
	h := Commit(s)

	assert.False(t, Verify(nil, h))
	assert.False(t, Verify(s[:31], h))
	assert.False(t, Verify(append(s[:], 0), h))
}

func TestCheckAlgorithm(t *testing.T) {
	require.NoError(t, CheckAlgorithm("SHA256"))
	err := CheckAlgorithm("keccak256")
	require.ErrorIs(t, err, domain.ErrHashAlgorithmMismatch)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}
