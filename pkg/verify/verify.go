package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderSignature carries "{version}={hex digest}".
	HeaderSignature = "X-Signature"
	// HeaderTimestamp carries the request time in unix seconds.
	HeaderTimestamp = "X-Request-Timestamp"

	// SignatureVersion is the only signing scheme accepted.
	SignatureVersion = "v0"

	// ReplayWindow bounds how old a signed request may be.
	ReplayWindow = 5 * time.Minute
)

// Verifier checks inbound requests against one signing secret.
type Verifier struct {
	Secret string
	Now    func() time.Time
}

// NewVerifier returns a verifier using the wall clock.
func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: secret, Now: time.Now}
}

// Verify authenticates body and header at the verifier's current time.
func (v *Verifier) Verify(body []byte, header http.Header) ([]byte, error) {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	return Verify(v.Secret, body, header, now)
}

// Verify checks the signature and timestamp headers of one request and
// returns body unchanged when they are valid.
//
// Error reasons may describe why verification failed; they must not be
// returned to the remote caller.
func Verify(secret string, body []byte, header http.Header, now time.Time) ([]byte, error) {
	signature := strings.TrimSpace(header.Get(HeaderSignature))
	rawTimestamp := strings.TrimSpace(header.Get(HeaderTimestamp))
	if signature == "" || rawTimestamp == "" {
		return nil, newError(ReasonMalformedHeaders, "signature or timestamp header missing")
	}

	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return nil, newError(ReasonMalformedHeaders, "timestamp is not an integer")
	}

	version, digest, ok := strings.Cut(signature, "=")
	if !ok || digest == "" {
		return nil, newError(ReasonMalformedHeaders, "signature is not of the form version=digest")
	}

	if timestamp < now.Unix()-int64(ReplayWindow/time.Second) {
		return nil, newError(ReasonStaleTimestamp, "")
	}

	if version != SignatureVersion {
		return nil, newError(ReasonUnsupportedVersion, version)
	}

	expected := computeDigest(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return nil, newError(ReasonSignatureMismatch, "")
	}

	return body, nil
}

// Sign returns the signature header value for body at timestamp.
func Sign(secret string, body []byte, timestamp int64) string {
	return SignatureVersion + "=" + computeDigest(secret, timestamp, body)
}

// SignedHeader returns a header carrying a valid signature for body.
func SignedHeader(secret string, body []byte, at time.Time) http.Header {
	ts := at.Unix()
	header := make(http.Header, 2)
	header.Set(HeaderSignature, Sign(secret, body, ts))
	header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	return header
}

func computeDigest(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SignatureVersion + ":" + strconv.FormatInt(timestamp, 10) + ":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
