package audio

// Resampler converts a mono stream between sample rates by linear
// interpolation. It carries the last input sample and the fractional read
// position across calls so chunk boundaries do not click.
type Resampler struct {
	from, to int
	step     float64
	pos      float64
	last     float32
	hasLast  bool
}

// NewResampler returns a resampler from rate from to rate to.
func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to, step: float64(from) / float64(to)}
}

// Passthrough reports whether the rates match.
func (r *Resampler) Passthrough() bool { return r.from == r.to }

// Process resamples in and appends the result to dst.
func (r *Resampler) Process(dst, in []float32) []float32 {
	if r.Passthrough() {
		return append(dst, in...)
	}
	if len(in) == 0 {
		return dst
	}

	src := in
	if r.hasLast {
		src = make([]float32, 0, len(in)+1)
		src = append(src, r.last)
		src = append(src, in...)
	}

	for {
		i := int(r.pos)
		if i+1 >= len(src) {
			break
		}
		frac := float32(r.pos - float64(i))
		dst = append(dst, src[i]+(src[i+1]-src[i])*frac)
		r.pos += r.step
	}

	// The last sample becomes index 0 of the next call.
	r.pos -= float64(len(src) - 1)
	r.last = src[len(src)-1]
	r.hasLast = true
	return dst
}

// Reset forgets carried state.
func (r *Resampler) Reset() {
	r.pos = 0
	r.hasLast = false
}
