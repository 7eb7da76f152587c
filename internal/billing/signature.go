package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature rejects a webhook whose signature cannot be verified.
// Nothing is processed and no state changes.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// defaultTolerance bounds how old a signed timestamp may be, limiting replay
// of captured deliveries.
const defaultTolerance = 5 * time.Minute

// SignatureVerifier checks the processor's HMAC-SHA256 signature over the raw
// payload bytes. The signature header carries a unix timestamp and one or
// more hex digests: "t=<unix>,v1=<hex>[,v1=<hex>...]", each digest computed
// over "<t>.<payload>".
//
// A previous secret may be configured during secret rotation; deliveries
// signed with either secret verify until the operator retires the old one.
type SignatureVerifier struct {
	secret    []byte
	previous  []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSignatureVerifier(secret, previousSecret string) *SignatureVerifier {
	v := &SignatureVerifier{
		secret:    []byte(secret),
		tolerance: defaultTolerance,
		now:       time.Now,
	}
	if previousSecret != "" {
		v.previous = []byte(previousSecret)
	}
	return v
}

// Verify returns nil only when the header carries a fresh timestamp and at
// least one digest matches one of the configured secrets.
func (v *SignatureVerifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return errors.New("webhook signing secret not configured")
	}
	ts, digests, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrInvalidSignature
	}

	secrets := [][]byte{v.secret}
	if v.previous != nil {
		secrets = append(secrets, v.previous)
	}
	signed := strconv.FormatInt(ts, 10) + "." + string(payload)
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(signed))
		expected := mac.Sum(nil)
		for _, d := range digests {
			if hmac.Equal(d, expected) {
				return nil
			}
		}
	}
	return ErrInvalidSignature
}

// Sign produces a valid signature header for the payload. Used by tests and
// local tooling.
func (v *SignatureVerifier) Sign(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, digests [][]byte, err error) {
	if header == "" {
		return 0, nil, ErrInvalidSignature
	}
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidSignature
			}
		case "v1":
			d, err := hex.DecodeString(val)
			if err != nil {
				continue
			}
			digests = append(digests, d)
		}
	}
	if ts == 0 || len(digests) == 0 {
		return 0, nil, ErrInvalidSignature
	}
	return ts, digests, nil
}
