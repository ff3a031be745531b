// Package signature signs webhook bodies so subscribers can authenticate them.
//
// Bodies are reduced to canonical JSON (object keys sorted at every depth,
// no insignificant whitespace) and signed with HMAC-SHA256 keyed by the
// subscription secret. The result is sent as
//
//	X-Hub-Signature-256: sha256=<lowercase hex>
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// HeaderName is the request header carrying the signature.
	HeaderName = "X-Hub-Signature-256"
	// Prefix precedes the hex digest in the header value.
	Prefix = "sha256="
)

// ErrMissingSecret is returned when signing is attempted without a key.
var ErrMissingSecret = errors.New("signing secret is missing")

// Canonicalize encodes v as canonical JSON.
//
// v may be any JSON-marshalable value. Raw JSON ([]byte or json.RawMessage)
// is re-encoded canonically. Numbers keep their original textual form.
func Canonicalize(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("failed to decode payload: trailing data")
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns the header value for body signed with secret.
func Sign(body, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	return Prefix + hex.EncodeToString(digest(body, secret)), nil
}

// SignPayload canonicalizes v and signs the result, returning both.
func SignPayload(v any, secret []byte) (body []byte, header string, err error) {
	if len(secret) == 0 {
		return nil, "", ErrMissingSecret
	}
	body, err = Canonicalize(v)
	if err != nil {
		return nil, "", err
	}
	header, err = Sign(body, secret)
	return body, header, err
}

// Verify reports whether header is a valid signature of body under secret.
func Verify(body, secret []byte, header string) bool {
	if len(secret) == 0 || !strings.HasPrefix(header, Prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, Prefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, digest(body, secret))
}

func digest(body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
