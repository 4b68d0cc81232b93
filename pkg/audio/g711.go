package audio

// G.711 μ-law companding as specified by ITU-T G.711, using the usual
// bias-and-clip formulation. Both directions are table driven.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var (
	mulawDecodeTable [256]int16
	mulawEncodeTable [1 << 16]byte
)

func init() {
	for i := range mulawDecodeTable {
		mulawDecodeTable[i] = decodeMulaw(byte(i))
	}
	for i := range mulawEncodeTable {
		mulawEncodeTable[i] = encodeMulaw(int16(uint16(i)))
	}
}

func decodeMulaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0f)
	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

func encodeMulaw(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0f
	return ^(sign | exponent<<4 | mantissa)
}

// MulawToLinear expands one μ-law byte to a PCM16 sample.
func MulawToLinear(u byte) int16 { return mulawDecodeTable[u] }

// LinearToMulaw compresses one PCM16 sample to a μ-law byte.
func LinearToMulaw(s int16) byte { return mulawEncodeTable[uint16(s)] }

// MulawDecode expands μ-law bytes to 16-bit little-endian PCM. The output is
// twice the input length.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := mulawDecodeTable[u]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MulawEncode compresses 16-bit little-endian PCM to μ-law. A trailing odd
// byte is ignored.
func MulawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8
		out[i] = mulawEncodeTable[s]
	}
	return out
}

// Silence returns n bytes of digital silence in e.
func Silence(e Encoding, n int) []byte {
	out := make([]byte, n)
	if e.IsMulaw() {
		for i := range out {
			out[i] = 0xff
		}
	}
	return out
}
