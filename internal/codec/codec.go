// Package codec defines the pluggable payload encoding capability.
//
// The secure implementation lives outside this module (it needs key
// material tied to the active identity). This package carries the
// contract, the wire-format classification used on decode, and the marked
// plaintext fallback path used when the secure codec is unavailable and
// the configuration allows a degraded encoding.
//
// Three wire formats can appear in stored payloads:
//
//	plain JSON          legacy rows written before encoding was introduced
//	"kfb1:" + base64    fallback-encoded JSON (degraded path)
//	"kenc1:" + opaque   ciphertext produced by the secure codec
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthenticated signals that the secure path cannot be used because
// there is no active identity context. Callers may fall back to the marked
// plaintext path only in non-production configurations.
var ErrNotAuthenticated = errors.New("codec: not authenticated, secure path unavailable")

// ErrFallbackDisabled is returned when the secure codec is unavailable and
// the configuration does not permit the degraded encoding path.
var ErrFallbackDisabled = errors.New("codec: secure codec unavailable and fallback disabled")

const (
	fallbackPrefix   = "kfb1:"
	ciphertextPrefix = "kenc1:"
)

// Format classifies a stored payload's wire format.
type Format int

const (
	FormatPlainJSON Format = iota
	FormatFallback
	FormatCiphertext
)

// Classify determines which decode strategy applies to s.
func Classify(s string) Format {
	switch {
	case strings.HasPrefix(s, ciphertextPrefix):
		return FormatCiphertext
	case strings.HasPrefix(s, fallbackPrefix):
		return FormatFallback
	default:
		return FormatPlainJSON
	}
}

// Codec encodes a value to a transportable string and back.
type Codec interface {
	Encode(v any) (string, error)
	Decode(s string, into any) error
}

// Plain is a Codec that stores values as plain JSON. It is the dev-mode
// primary codec and the test stand-in for the secure external codec.
type Plain struct{}

// Encode implements Codec.
func (Plain) Encode(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(out), nil
}

// Decode implements Codec.
func (Plain) Decode(s string, into any) error {
	if err := json.Unmarshal([]byte(s), into); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Fallback wraps a primary (secure) codec with the marked plaintext
// fallback path and multi-format decoding.
type Fallback struct {
	// Primary is the secure codec. May return ErrNotAuthenticated.
	Primary Codec

	// AllowDegraded permits the marked plaintext path when Primary is
	// unavailable. Must stay false in production builds.
	AllowDegraded bool
}

// Encode tries the primary codec first. If the primary reports
// ErrNotAuthenticated and degraded encoding is allowed, the value is
// written on the marked fallback path instead.
func (f *Fallback) Encode(v any) (string, error) {
	if f.Primary != nil {
		out, err := f.Primary.Encode(v)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrNotAuthenticated) {
			return "", err
		}
	}
	if !f.AllowDegraded {
		return "", ErrFallbackDisabled
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fallback encode: %w", err)
	}
	return fallbackPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Decode classifies the wire format and applies the matching strategy.
// Unrecoverable input leaves into at the zero value of its shape and
// returns the classification error wrapped for the caller to log.
func (f *Fallback) Decode(s string, into any) error {
	switch Classify(s) {
	case FormatCiphertext:
		if f.Primary == nil {
			return fmt.Errorf("decode: ciphertext payload but no secure codec configured")
		}
		return f.Primary.Decode(s, into)
	case FormatFallback:
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, fallbackPrefix))
		if err != nil {
			return fmt.Errorf("decode fallback payload: %w", err)
		}
		if err := json.Unmarshal(raw, into); err != nil {
			return fmt.Errorf("decode fallback payload: %w", err)
		}
		return nil
	default:
		if err := json.Unmarshal([]byte(s), into); err != nil {
			return fmt.Errorf("decode plain payload: %w", err)
		}
		return nil
	}
}

// DecodeOrEmpty decodes s into into, swallowing unrecoverable failures so
// callers receive the safe empty value of the expected shape. The error is
// returned for logging only; into is reset before returning.
func DecodeOrEmpty(c Codec, s string, into any) error {
	if err := c.Decode(s, into); err != nil {
		resetToZero(into)
		return err
	}
	return nil
}

func resetToZero(into any) {
	// Unmarshalling null clears map and slice shapes, which is what
	// record payloads are.
	_ = json.Unmarshal([]byte("null"), into)
}
