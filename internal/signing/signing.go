// Package signing builds the Authorization header for outbound webhooks.
//
// The receiver recomputes
//
//	secretId + timestamp + path + sortedQuery + rawBody
//
// and compares base64(HMAC-SHA1(secretKey, canonical)) with the Signature
// field of "SecretId=<id>, Timestamp=<ts>, Signature=<sig>".
package signing

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // wire contract mandates HMAC-SHA1
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBadHeader is returned for an Authorization value that is not in the
// SecretId/Timestamp/Signature form.
var ErrBadHeader = errors.New("signing: malformed authorization header")

// Credentials is a producer secret with its key already decrypted.
type Credentials struct {
	SecretID  string
	SecretKey string
}

// Signature is the result of signing one request.
type Signature struct {
	SecretID  string
	Timestamp int64
	Value     string
	Canonical string
}

// Header returns the Authorization header value.
func (s Signature) Header() string {
	return fmt.Sprintf("SecretId=%s, Timestamp=%d, Signature=%s", s.SecretID, s.Timestamp, s.Value)
}

// Signer signs requests at the current time.
type Signer struct {
	Now func() time.Time
}

// New returns a Signer using the wall clock.
func New() *Signer {
	return &Signer{Now: time.Now}
}

// Sign signs a POST of body to u.
func (s *Signer) Sign(cred Credentials, u *url.URL, body []byte) Signature {
	now := time.Now
	if s != nil && s.Now != nil {
		now = s.Now
	}
	ts := now().Unix()
	canonical := CanonicalString(cred.SecretID, ts, Path(u), CanonicalQuery(u.Query()), body)
	return Signature{
		SecretID:  cred.SecretID,
		Timestamp: ts,
		Value:     HMAC(cred.SecretKey, canonical),
		Canonical: canonical,
	}
}

// CanonicalString concatenates the signed request attributes.
func CanonicalString(secretID string, ts int64, path, query string, body []byte) string {
	var b strings.Builder
	b.Grow(len(secretID) + 10 + len(path) + len(query) + len(body))
	b.WriteString(secretID)
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString(path)
	b.WriteString(query)
	b.Write(body)
	return b.String()
}

// CanonicalQuery sorts parameter names and joins key=value pairs with '&'.
// Values are used as decoded; a repeated key contributes its values joined by ','.
func CanonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strings.Join(q[k], ","))
	}
	return strings.Join(pairs, "&")
}

// Path returns the escaped request path, "/" for a bare host.
func Path(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

// HMAC returns base64(HMAC-SHA1(key, msg)).
func HMAC(key, msg string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseHeader is the inverse of Signature.Header. Canonical is left empty.
func ParseHeader(h string) (Signature, error) {
	var sig Signature
	seen := 0
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || v == "" {
			return Signature{}, ErrBadHeader
		}
		switch k {
		case "SecretId":
			sig.SecretID = v
		case "Timestamp":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Signature{}, fmt.Errorf("%w: timestamp %q", ErrBadHeader, v)
			}
			sig.Timestamp = ts
		case "Signature":
			sig.Value = v
		default:
			return Signature{}, fmt.Errorf("%w: unknown field %q", ErrBadHeader, k)
		}
		seen++
	}
	if seen != 3 || sig.SecretID == "" || sig.Value == "" {
		return Signature{}, ErrBadHeader
	}
	return sig, nil
}

// Verify recomputes sig over a request to u carrying body.
func Verify(secretKey string, sig Signature, u *url.URL, body []byte) bool {
	canonical := CanonicalString(sig.SecretID, sig.Timestamp, Path(u), CanonicalQuery(u.Query()), body)
	return hmac.Equal([]byte(HMAC(secretKey, canonical)), []byte(sig.Value))
}
