package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func payloadGen() *rapid.Generator[Payload] {
	return rapid.Custom(func(t *rapid.T) Payload {
		elems := rapid.SliceOfN(rapid.StringN(0, 64, -1), 0, 16).Draw(t, "elems")
		return Payload(elems)
	})
}

// TestFrameRoundTrip tests that any payload can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := payloadGen().Draw(t, "payload")

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if len(decoded) != len(original) {
			t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(original))
		}
		for i := range original {
			if decoded[i] != original[i] {
				t.Fatalf("element %d mismatch: got %q, want %q", i, decoded[i], original[i])
			}
		}
		if buf.Len() != 0 {
			t.Fatalf("%d bytes left over", buf.Len())
		}
	})
}

// TestCompressedRoundTripRapid tests that repetitive payloads above the
// compression threshold round-trip correctly
func TestCompressedRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		word := rapid.StringN(1, 12, -1).Draw(t, "word")
		repeat := rapid.IntRange(50, 400).Draw(t, "repeat")

		original := make(Payload, 0, repeat+1)
		original = append(original, TagInvited)
		for i := 0; i < repeat; i++ {
			original = append(original, word)
		}

		data, err := EncodeMessage(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(decoded) != len(original) {
			t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(original))
		}
		for i := range original {
			if decoded[i] != original[i] {
				t.Fatalf("element %d mismatch", i)
			}
		}
	})
}

// TestTruncatedFramesDecodeEmpty tests that every proper prefix of a valid
// frame decodes leniently to the empty payload
func TestTruncatedFramesDecodeEmpty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := payloadGen().Draw(t, "payload")
		data, err := EncodeMessage(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		cut := rapid.IntRange(0, len(data)-1).Draw(t, "cut")
		p := Receive(bytes.NewReader(data[:cut]))
		if !p.Empty() {
			t.Fatalf("prefix of %d/%d bytes decoded to %q", cut, len(data), p)
		}

		if _, err := DecodeFrame(bytes.NewReader(data[:cut])); err == nil {
			t.Fatalf("strict decode of %d/%d bytes should fail", cut, len(data))
		}
	})
}

// TestDecodeNeverPanics feeds arbitrary bytes to the decoder
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		_ = Receive(bytes.NewReader(data))
	})
}

// TestParseCommandNeverPanics checks every payload either parses or errors
func TestParseCommandNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := payloadGen().Draw(t, "payload")
		cmd, err := ParseCommand(p)
		if err == nil && cmd.Kind == 0 {
			t.Fatalf("nil error with zero command kind for %q", p)
		}
	})
}
