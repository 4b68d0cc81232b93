package audio

import "math"

// RMS returns the root-mean-square amplitude of the frame on the PCM16 scale.
// μ-law frames are expanded first so that thresholds mean the same thing for
// every encoding. An empty frame has energy 0.
func RMS(f AudioFrame) float64 {
	if f.Encoding.IsMulaw() {
		if len(f.Data) == 0 {
			return 0
		}
		var sum float64
		for _, u := range f.Data {
			s := float64(mulawDecodeTable[u])
			sum += s * s
		}
		return math.Sqrt(sum / float64(len(f.Data)))
	}
	return RMSPCM16(f.Data)
}

// RMSPCM16 returns the root-mean-square amplitude of 16-bit little-endian PCM.
// A trailing odd byte is ignored.
func RMSPCM16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
