package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wei/elevenlabs-packages-sub002/internal/protocol"
)

// Codec converts between float32 samples in [-1, 1] and a wire encoding.
// Encode and Decode append to dst and return the extended slice.
type Codec interface {
	Encoding() protocol.Encoding
	Encode(dst []byte, src []float32) []byte
	Decode(dst []float32, src []byte) []float32
}

// LoadCodec returns the shared codec for enc, initializing it on first use.
func LoadCodec(enc protocol.Encoding) (Codec, error) {
	var loaders []Loader
	switch enc {
	case protocol.EncodingPCM:
		loaders = []Loader{func() (any, error) { return pcm16Codec{}, nil }}
	case protocol.EncodingULaw:
		loaders = []Loader{loadMulawTables, func() (any, error) { return mulawCodec{}, nil }}
	default:
		return nil, fmt.Errorf("audio: unsupported encoding %q", enc)
	}

	v, err := Modules.Load("codec/"+string(enc), loaders...)
	if err != nil {
		return nil, err
	}
	return v.(Codec), nil
}

func floatToInt16(f float32) int16 {
	if f >= 1 {
		return math.MaxInt16
	}
	if f <= -1 {
		return math.MinInt16
	}
	if f < 0 {
		return int16(f * 0x8000)
	}
	return int16(f * 0x7FFF)
}

func int16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(s) / 0x8000
	}
	return float32(s) / 0x7FFF
}

// pcm16Codec is signed 16-bit little-endian PCM.
type pcm16Codec struct{}

func (pcm16Codec) Encoding() protocol.Encoding { return protocol.EncodingPCM }

func (pcm16Codec) Encode(dst []byte, src []float32) []byte {
	for _, f := range src {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(floatToInt16(f)))
	}
	return dst
}

func (pcm16Codec) Decode(dst []float32, src []byte) []float32 {
	for i := 0; i+1 < len(src); i += 2 {
		dst = append(dst, int16ToFloat(int16(binary.LittleEndian.Uint16(src[i:]))))
	}
	return dst
}

// mulawCodec computes G.711 mu-law arithmetically.
type mulawCodec struct{}

func (mulawCodec) Encoding() protocol.Encoding { return protocol.EncodingULaw }

func (mulawCodec) Encode(dst []byte, src []float32) []byte {
	for _, f := range src {
		dst = append(dst, linearToMulaw(floatToInt16(f)))
	}
	return dst
}

func (mulawCodec) Decode(dst []float32, src []byte) []float32 {
	for _, b := range src {
		dst = append(dst, int16ToFloat(mulawToLinear(b)))
	}
	return dst
}

// tableMulawCodec looks samples up in precomputed tables. The encode table is
// indexed by the top 14 bits of the sample, which is the resolution G.711
// retains.
type tableMulawCodec struct {
	enc [1 << 14]byte
	dec [256]float32
}

func (*tableMulawCodec) Encoding() protocol.Encoding { return protocol.EncodingULaw }

func (c *tableMulawCodec) Encode(dst []byte, src []float32) []byte {
	for _, f := range src {
		dst = append(dst, c.enc[uint16(floatToInt16(f))>>2])
	}
	return dst
}

func (c *tableMulawCodec) Decode(dst []float32, src []byte) []float32 {
	for _, b := range src {
		dst = append(dst, c.dec[b])
	}
	return dst
}

func loadMulawTables() (any, error) {
	c := &tableMulawCodec{}
	for i := range c.enc {
		c.enc[i] = linearToMulaw(int16(uint16(i) << 2))
	}
	for i := range c.dec {
		c.dec[i] = int16ToFloat(mulawToLinear(byte(i)))
	}
	// Silence must survive the table path unchanged.
	if c.enc[0] != 0xFF || c.dec[0xFF] != 0 {
		return nil, fmt.Errorf("audio: mu-law table self-check failed")
	}
	return c, nil
}

// linearToMulaw encodes a 16-bit sample as G.711 mu-law.
func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exp := 7
	for mask := int32(0x4000); exp > 0; exp-- {
		if s&mask != 0 {
			break
		}
		mask >>= 1
	}
	mantissa := (s >> (uint(exp) + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mantissa))
}

// mulawToLinear decodes a G.711 mu-law byte.
func mulawToLinear(b byte) int16 {
	const bias = 0x84

	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	s := ((mantissa << 3) + bias) << exp
	s -= bias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
