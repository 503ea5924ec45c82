package encryption

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, password string) []byte {
	t.Helper()
	key, err := DeriveKey(password, UserSalt("salt", "user-1"), 10000)
	require.NoError(t, err)
	return key
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := testKey(t, "hunter2")
	b := testKey(t, "hunter2")
	c := testKey(t, "hunter3")

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	other, err := DeriveKey("hunter2", UserSalt("salt", "user-2"), 10000)
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "salt must bind the user")

	_, err = DeriveKey("", "salt", 10000)
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t, "pw")
	for _, plain := range []string{"", "sk-abc", strings.Repeat("x", 16), "héllo wörld ✨"} {
		enc, err := Encrypt(key, plain)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(enc), enc)
		assert.NotContains(t, enc, plain+":")

		got, err := Decrypt(key, enc)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	key := testKey(t, "pw")
	a, err := Encrypt(key, "same")
	require.NoError(t, err)
	b, err := Encrypt(key, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc, err := Encrypt(testKey(t, "right"), "secret")
	require.NoError(t, err)

	_, err = Decrypt(testKey(t, "wrong"), enc)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptLegacyTwoPartPayload(t *testing.T) {
	key := testKey(t, "pw")
	enc, err := Encrypt(key, "from the old days")
	require.NoError(t, err)

	parts := strings.Split(enc, ":")
	legacy := parts[0] + ":" + parts[1]
	assert.True(t, IsEncrypted(legacy))

	got, err := Decrypt(key, legacy)
	require.NoError(t, err)
	assert.Equal(t, "from the old days", got)
}

func TestDecryptMalformed(t *testing.T) {
	key := testKey(t, "pw")
	for _, payload := range []string{"", "nothex", "abcd:1234", strings.Repeat("0", 32) + ":zz", "a:b:c:d"} {
		_, err := Decrypt(key, payload)
		assert.ErrorIs(t, err, ErrMalformed, payload)
		assert.False(t, IsEncrypted(payload), payload)
	}

	_, err := Decrypt([]byte("short"), "00:00")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyCheck(t *testing.T) {
	key := testKey(t, "pw")
	check, err := NewKeyCheck(key)
	require.NoError(t, err)

	assert.True(t, VerifyKeyCheck(key, check))
	assert.False(t, VerifyKeyCheck(testKey(t, "other"), check))
}

func TestKeyCookieRoundTrip(t *testing.T) {
	key := testKey(t, "pw")
	opts := DefaultCookieOptions()

	rec := httptest.NewRecorder()
	SetKeyCookie(rec, key, opts)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	got, err := KeyFromRequest(req, opts)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(key, got))

	_, err = KeyFromRequest(httptest.NewRequest(http.MethodGet, "/", nil), opts)
	assert.ErrorIs(t, err, ErrNoKey)

	rec = httptest.NewRecorder()
	ClearKeyCookie(rec, opts)
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}
