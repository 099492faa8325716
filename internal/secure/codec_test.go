package secure

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	token := "some.bearer.token"

	first := DeriveKey(token)
	second := DeriveKey(token)

	require.Len(t, first, 32)
	assert.Equal(t, first, second)
}

func TestDeriveKeyDistinctTokens(t *testing.T) {
	assert.NotEqual(t, DeriveKey("token-a"), DeriveKey("token-b"))
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := DeriveKey("round-trip-token")

	for _, plaintext := range []string{
		"hola",
		"",
		`{"nickname":"alice","message":"hi"}`,
		"mensaje con acentos: ¡niño añejo!",
	} {
		sealed, err := Seal(plaintext, key)
		require.NoError(t, err)

		opened, err := Open(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSealProducesFreshIV(t *testing.T) {
	key := DeriveKey("iv-token")

	first, err := Seal("same message", key)
	require.NoError(t, err)
	second, err := Seal("same message", key)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal("secret", DeriveKey("token-a"))
	require.NoError(t, err)

	_, err = Open(sealed, DeriveKey("token-b"))
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestOpenTamperedCiphertext(t *testing.T) {
	key := DeriveKey("tamper-token")
	sealed, err := Seal("secret", key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = Open(base64.StdEncoding.EncodeToString(raw), key)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestOpenMalformedInput(t *testing.T) {
	key := DeriveKey("malformed-token")

	for _, input := range []string{
		"not base64 at all!!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
		"",
	} {
		_, err := Open(input, key)
		assert.ErrorIs(t, err, ErrDecryptionFailure)
	}
}

func TestOpenAbsentKey(t *testing.T) {
	sealed, err := Seal("secret", DeriveKey("token"))
	require.NoError(t, err)

	_, err = Open(sealed, nil)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestLooksSealed(t *testing.T) {
	key := DeriveKey("looks-token")
	sealed, err := Seal("a message", key)
	require.NoError(t, err)

	assert.True(t, LooksSealed(sealed))
	assert.False(t, LooksSealed("hola a todos"))
	assert.False(t, LooksSealed(base64.StdEncoding.EncodeToString([]byte("tiny"))))
}
