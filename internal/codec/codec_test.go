package codec

import (
	"errors"
	"strings"
	"testing"
)

// unavailable simulates the secure codec with no identity context.
type unavailable struct{}

func (unavailable) Encode(any) (string, error) { return "", ErrNotAuthenticated }
func (unavailable) Decode(string, any) error   { return ErrNotAuthenticated }

func TestClassify(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{`{"mood":"good"}`, FormatPlainJSON},
		{`["a","b"]`, FormatPlainJSON},
		{"kfb1:eyJhIjoxfQ==", FormatFallback},
		{"kenc1:AAAA", FormatCiphertext},
		{"", FormatPlainJSON},
	}
	for _, tt := range tests {
		if got := Classify(tt.input); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestFallbackEncodeUsesPrimaryWhenAvailable(t *testing.T) {
	f := &Fallback{Primary: Plain{}}
	out, err := f.Encode(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if Classify(out) != FormatPlainJSON {
		t.Errorf("primary output misclassified: %q", out)
	}
}

func TestFallbackEncodeDegradedPath(t *testing.T) {
	f := &Fallback{Primary: unavailable{}, AllowDegraded: true}
	out, err := f.Encode([]string{"breathing", "grounding"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasPrefix(out, "kfb1:") {
		t.Fatalf("expected fallback marker, got %q", out)
	}

	var back []string
	if err := f.Decode(out, &back); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(back) != 2 || back[0] != "breathing" {
		t.Errorf("round trip mismatch: %v", back)
	}
}

func TestFallbackEncodeRejectedWhenDisabled(t *testing.T) {
	f := &Fallback{Primary: unavailable{}, AllowDegraded: false}
	if _, err := f.Encode("x"); !errors.Is(err, ErrFallbackDisabled) {
		t.Fatalf("expected ErrFallbackDisabled, got %v", err)
	}
}

func TestFallbackDecodePlainLegacyPayload(t *testing.T) {
	f := &Fallback{Primary: unavailable{}, AllowDegraded: true}
	var v map[string]any
	if err := f.Decode(`{"theme":"dark"}`, &v); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v["theme"] != "dark" {
		t.Errorf("unexpected value: %v", v)
	}
}

func TestDecodeOrEmptyResetsOnFailure(t *testing.T) {
	f := &Fallback{Primary: Plain{}}

	v := map[string]any{"stale": true}
	if err := DecodeOrEmpty(f, "kfb1:!!!not-base64!!!", &v); err == nil {
		t.Fatalf("expected decode error")
	}
	if v != nil {
		t.Errorf("expected value reset to empty, got %v", v)
	}
}
