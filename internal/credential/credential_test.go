package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedRoundTrip(t *testing.T) {
	s, err := NewSealed("test-master-key")
	require.NoError(t, err)

	ref, err := s.Encrypt("s3cret!")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, sealedPrefix))
	assert.NotContains(t, ref, "s3cret!")

	plain, err := s.Decrypt(ref)
	require.NoError(t, err)
	assert.Equal(t, "s3cret!", plain)
}

func TestSealedWrongKey(t *testing.T) {
	a, err := NewSealed("key-a")
	require.NoError(t, err)
	b, err := NewSealed("key-b")
	require.NoError(t, err)

	ref, err := a.Encrypt("pw")
	require.NoError(t, err)

	_, err = b.Decrypt(ref)
	assert.Error(t, err)
}

func TestSealedEmptyAndMalformed(t *testing.T) {
	s, err := NewSealed("k")
	require.NoError(t, err)

	ref, err := s.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", ref)

	plain, err := s.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", plain)

	_, err = s.Decrypt("not-a-box")
	assert.ErrorIs(t, err, ErrMalformedSecret)

	_, err = NewSealed("  ")
	assert.Error(t, err)
}
