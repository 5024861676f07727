// Package gate implements the gated execution protocol: the HTTP endpoints
// workflows call back into, the registries that route those callbacks to
// their sessions, and the Gate-2 wait machinery that suspends a callback
// until a human confirms or cancels.
package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Signature headers sent by workflows on every signed callback.
const (
	HeaderSignature = "X-N8n-Signature"
	HeaderTimestamp = "X-N8n-Timestamp"
)

// maxTimestampSkew bounds |now − callback timestamp| for signed callbacks.
const maxTimestampSkew = 5 * time.Minute

// HMAC verification errors.
var (
	ErrMissingSignature = errors.New("missing signature or timestamp header")
	ErrStaleTimestamp   = errors.New("callback timestamp outside allowed window")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Verifier validates HMAC-SHA256 callback signatures of the form
// hex(HMAC-SHA256(secret, "{timestamp}.{rawBody}")). An empty secret disables
// verification entirely.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a [Verifier]. Pass an empty secret to disable
// verification.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether callbacks must be signed.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Verify checks the signature over body. When verification is disabled it
// always succeeds. The comparison is constant-time.
func (v *Verifier) Verify(signatureHex, timestamp string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if signatureHex == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	want := mac.Sum(nil)

	// hmac.Equal is constant-time; it also rejects length mismatches.
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the hex signature for timestamp and body. Exposed for tests
// and for outbound signing if a workflow requires it.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
