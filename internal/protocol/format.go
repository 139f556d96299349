package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding is the sample encoding of a wire audio format.
type Encoding string

const (
	EncodingPCM  Encoding = "pcm"
	EncodingULaw Encoding = "ulaw"
)

// Format is a negotiated wire audio format such as pcm_16000.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// DefaultFormat is assumed when the server omits a format.
var DefaultFormat = Format{Encoding: EncodingPCM, SampleRate: 16000}

// String renders the format in wire grammar.
func (f Format) String() string {
	return fmt.Sprintf("%s_%d", f.Encoding, f.SampleRate)
}

// BytesPerSample returns the encoded width of one mono sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingULaw {
		return 1
	}
	return 2
}

// ParseFormat parses "<pcm|ulaw>_<rate>". An empty string yields DefaultFormat.
func ParseFormat(s string) (Format, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultFormat, nil
	}
	codec, rate, ok := strings.Cut(s, "_")
	if !ok {
		return Format{}, fmt.Errorf("protocol: invalid audio format %q", s)
	}

	var f Format
	switch Encoding(codec) {
	case EncodingPCM, EncodingULaw:
		f.Encoding = Encoding(codec)
	default:
		return Format{}, fmt.Errorf("protocol: unknown audio codec %q in format %q", codec, s)
	}

	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return Format{}, fmt.Errorf("protocol: invalid sample rate %q in format %q", rate, s)
	}
	f.SampleRate = n
	return f, nil
}

// MustParseFormat is ParseFormat for constants.
func MustParseFormat(s string) Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}
