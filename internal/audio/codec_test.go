package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

func TestLinearToMulaw_KnownValues(t *testing.T) {
	// ITU-T G.711 reference points.
	tests := []struct {
		input int16
		want  byte
	}{
		{0, 0xFF},
		{4, 0xFE},
		{-4, 0x7E},
		{32767, 0x80},
		{-32768, 0x00},
	}
	for _, tt := range tests {
		if got := linearToMulaw(tt.input); got != tt.want {
			t.Errorf("linearToMulaw(%d) = 0x%02X, want 0x%02X", tt.input, got, tt.want)
		}
	}
}

func TestLinearToMulaw_Symmetry(t *testing.T) {
	for _, v := range []int16{1, 100, 1000, 12345, 32000} {
		pos, neg := linearToMulaw(v), linearToMulaw(-v)
		if pos^neg != 0x80 {
			t.Fatalf("linearToMulaw(%d)=0x%02X, linearToMulaw(%d)=0x%02X, want sign bit difference", v, pos, -v, neg)
		}
	}
}

func TestLinearToMulaw_MonotonicPositive(t *testing.T) {
	// Larger magnitudes produce smaller bytes after the final inversion.
	prev := linearToMulaw(0)
	for i := int16(100); i < 32000; i += 100 {
		cur := linearToMulaw(i)
		if cur > prev {
			t.Fatalf("non-monotonic at %d: prev=0x%02X, cur=0x%02X", i, prev, cur)
		}
		prev = cur
	}
}

func TestMulawDecodeInvertsEncode(t *testing.T) {
	for v := -32000; v <= 32000; v += 250 {
		got := mulawToLinear(linearToMulaw(int16(v)))
		// mu-law keeps roughly 4 significant bits past the segment.
		tol := math.Max(16, math.Abs(float64(v))/16)
		if math.Abs(float64(got)-float64(v)) > tol {
			t.Fatalf("mulaw round trip %d -> %d exceeds tolerance %v", v, got, tol)
		}
	}
}

func TestPCMCodecRoundTrip(t *testing.T) {
	codec, err := LoadCodec(protocol.EncodingPCM)
	if err != nil {
		t.Fatal(err)
	}
	in := []float32{0, 0.5, -0.5, 1, -1, 0.25}
	data := codec.Encode(nil, in)
	if len(data) != 2*len(in) {
		t.Fatalf("encoded %d bytes, want %d", len(data), 2*len(in))
	}
	out := codec.Decode(nil, data)
	if len(out) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-4 {
			t.Errorf("sample %d: %v -> %v", i, in[i], out[i])
		}
	}
	// Little-endian 0x7FFF for full scale.
	if data[6] != 0xFF || data[7] != 0x7F {
		t.Fatalf("full scale encoded as % X", data[6:8])
	}
}

func TestMulawCodecsAgree(t *testing.T) {
	table, err := loadMulawTables()
	if err != nil {
		t.Fatal(err)
	}
	tc := table.(*tableMulawCodec)
	var ac mulawCodec

	in := make([]float32, 400)
	for i := range in {
		in[i] = float32(math.Sin(float64(i) / 7))
	}
	a := ac.Decode(nil, ac.Encode(nil, in))
	b := tc.Decode(nil, tc.Encode(nil, in))
	for i := range in {
		if math.Abs(float64(a[i]-b[i])) > 0.04 {
			t.Fatalf("sample %d: arithmetic %v vs table %v", i, a[i], b[i])
		}
	}
}

func TestLoadCodecUnknown(t *testing.T) {
	if _, err := LoadCodec("opus"); err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
}

func TestModuleCacheFallbackAndInvalidate(t *testing.T) {
	c := NewModuleCache()
	calls := 0
	failing := func() (any, error) {
		calls++
		return nil, errors.New("worker module unavailable")
	}
	fallback := func() (any, error) { return "inline", nil }

	v, err := c.Load("processor", failing, fallback)
	if err != nil || v != "inline" {
		t.Fatalf("Load = %v, %v", v, err)
	}
	if _, err := c.Load("processor", failing, fallback); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("cached module reloaded, failing loader ran %d times", calls)
	}

	c.Invalidate("processor")
	if _, err := c.Load("processor", failing, fallback); err != nil {
		t.Fatal(err)
	}
	if calls != 2 || c.Loads("processor") != 2 {
		t.Fatalf("after invalidate: calls=%d loads=%d", calls, c.Loads("processor"))
	}

	if _, err := c.Load("broken", failing); err == nil {
		t.Fatal("expected error when every loader fails")
	}
	if _, err := c.Load("broken", fallback); err != nil {
		t.Fatalf("failed load must not be cached: %v", err)
	}
}

func BenchmarkMulawEncodeTable(b *testing.B) {
	codec, _ := LoadCodec(protocol.EncodingULaw)
	in := make([]float32, 160)
	dst := make([]byte, 0, 160)
	for i := 0; i < b.N; i++ {
		dst = codec.Encode(dst[:0], in)
	}
}

func BenchmarkLinearToMulaw(b *testing.B) {
	for i := 0; i < b.N; i++ {
		linearToMulaw(int16(i % 65536))
	}
}
