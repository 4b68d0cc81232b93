package audio

// Resample converts 16-bit little-endian mono PCM from srcRate to dstRate.
// The 2:1 and 1:2 ratios between 8 and 16 kHz use dedicated paths; any other
// ratio falls back to [ResampleMono16]. Equal rates return pcm unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	switch {
	case srcRate == dstRate:
		return pcm
	case dstRate == srcRate*2:
		return Upsample2x(pcm)
	case srcRate == dstRate*2:
		return Downsample2x(pcm)
	default:
		return ResampleMono16(pcm, srcRate, dstRate)
	}
}

// Upsample2x doubles the sample count by inserting the midpoint between each
// pair of neighbours. The last sample is repeated since the next frame's
// first sample is not available.
func Upsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s0 := sampleAt(pcm, i)
		s1 := s0
		if i+1 < n {
			s1 = sampleAt(pcm, i+1)
		}
		putSample(out, 2*i, s0)
		putSample(out, 2*i+1, int16((int32(s0)+int32(s1))/2))
	}
	return out
}

// Downsample2x halves the sample count. Each kept sample is smoothed with a
// [¼ ½ ¼] kernel first so that content above the new Nyquist frequency is
// attenuated. Edges reuse the nearest in-frame sample.
func Downsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	m := n / 2
	out := make([]byte, m*2)
	for i := range m {
		j := 2 * i
		prev := j - 1
		if prev < 0 {
			prev = 0
		}
		next := j + 1
		if next >= n {
			next = n - 1
		}
		acc := int32(sampleAt(pcm, prev)) + 2*int32(sampleAt(pcm, j)) + int32(sampleAt(pcm, next))
		putSample(out, i, int16(acc/4))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The output holds floor(n*dstRate/srcRate) samples. If srcRate
// == dstRate or either rate is not positive, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}
