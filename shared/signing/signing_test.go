package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignProducesDocumentedFormat(t *testing.T) {
	secret := "s"
	body := []byte(`{"a":1}`)
	ts := int64(1700000000)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(`1700000000.{"a":1}`))
	expected := "t=1700000000,v1=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, Sign(secret, ts, body))
}

func TestVerifyRoundTrip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"stream_id":"abc","block_height":100}`)
	header := Sign(secret, 1700000000, body)

	assert.True(t, Verify(secret, header, body))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := "s"
	body := []byte(`{"a":1}`)
	header := Sign(secret, 1700000000, body)

	tampered := []byte(`{"a":2}`)
	assert.False(t, Verify(secret, header, tampered))
}

func TestVerifyRejectsTamperedTimestamp(t *testing.T) {
	secret := "s"
	body := []byte(`{"a":1}`)
	header := Sign(secret, 1700000000, body)

	forged := "t=1700000001," + header[len("t=1700000000,"):]
	assert.False(t, Verify(secret, forged, body))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"a":1}`)
	header := Sign("right", 1700000000, body)
	assert.False(t, Verify("wrong", header, body))
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	body := []byte(`{}`)
	for _, header := range []string{
		"",
		"v1=deadbeef",
		"t=1700000000",
		"t=notanumber,v1=deadbeef",
		"garbage",
	} {
		assert.False(t, Verify("s", header, body), "header %q", header)
	}
}

func TestParseHeader(t *testing.T) {
	ts, sig, err := parseHeader("t=1700000000,v1=abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts)
	assert.Equal(t, "abcdef", sig)
}
