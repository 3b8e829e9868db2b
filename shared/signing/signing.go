package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Header is the name of the signature header attached to every
// outbound webhook.
const Header = "X-Streams-Signature"

// Sign produces the signature header value for a webhook body:
// "t=<unix_seconds>,v1=<hex_hmac_sha256>" where the HMAC input is
// "<unix_seconds>.<raw_body>" keyed with the stream secret.
func Sign(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, digest(secret, timestamp, body))
}

// Verify recomputes the signature from the header's own timestamp and
// compares in constant time. Receivers enforce timestamp freshness
// themselves if they want replay protection.
func Verify(secret string, header string, body []byte) bool {
	timestamp, sig, err := parseHeader(header)
	if err != nil {
		return false
	}
	expected := digest(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func digest(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (int64, string, error) {
	var timestamp int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return 0, "", fmt.Errorf("malformed signature element %q", part)
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("malformed timestamp: %w", err)
			}
			timestamp = ts
		case "v1":
			sig = v
		}
	}
	if timestamp == 0 || sig == "" {
		return 0, "", fmt.Errorf("signature header missing t or v1")
	}
	return timestamp, sig, nil
}
