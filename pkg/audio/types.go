// Package audio holds the audio frame type and the pure transcoding functions
// used on both legs of a bridged call: G.711 μ-law companding, sample-rate
// conversion and energy measurement on 16-bit little-endian mono PCM.
//
// Nothing in this package performs I/O or keeps state between frames, so the
// functions are safe to call from any goroutine. [Converter] is the only
// stateful type and exists solely to rate-limit its warnings.
package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Encoding names a mono audio format as "<codec>_<rate>". The names match the
// format strings negotiated with the voice agent.
type Encoding string

const (
	EncodingMulaw8000 Encoding = "mulaw_8000"
	EncodingPCM8000   Encoding = "pcm_8000"
	EncodingPCM16000  Encoding = "pcm_16000"
	EncodingPCM22050  Encoding = "pcm_22050"
	EncodingPCM24000  Encoding = "pcm_24000"
	EncodingPCM44100  Encoding = "pcm_44100"
	EncodingPCM48000  Encoding = "pcm_48000"
)

var (
	// ErrUnsupportedEncoding is returned when a source or target encoding is
	// not one the transcoder knows.
	ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")

	// ErrMalformedPCM is returned for PCM payloads with an odd byte count.
	ErrMalformedPCM = errors.New("audio: malformed pcm payload")
)

var sampleRates = map[Encoding]int{
	EncodingMulaw8000: 8000,
	EncodingPCM8000:   8000,
	EncodingPCM16000:  16000,
	EncodingPCM22050:  22050,
	EncodingPCM24000:  24000,
	EncodingPCM44100:  44100,
	EncodingPCM48000:  48000,
}

// ParseEncoding normalises a format string received from configuration or
// from the agent. "ulaw_8000" is accepted as an alias of [EncodingMulaw8000].
func ParseEncoding(s string) (Encoding, error) {
	e := Encoding(strings.ToLower(strings.TrimSpace(s)))
	if e == "ulaw_8000" {
		e = EncodingMulaw8000
	}
	if !e.Valid() {
		return e, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
	}
	return e, nil
}

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	_, ok := sampleRates[e]
	return ok
}

// SampleRate returns the sample rate in Hz, or 0 for an unknown encoding.
func (e Encoding) SampleRate() int { return sampleRates[e] }

// IsMulaw reports whether payloads in e are 8-bit μ-law rather than PCM16.
func (e Encoding) IsMulaw() bool { return e == EncodingMulaw8000 }

// BytesPerSecond returns the payload byte rate of e.
func (e Encoding) BytesPerSecond() int {
	if e.IsMulaw() {
		return e.SampleRate()
	}
	return e.SampleRate() * 2
}

// Duration returns the playback time of n payload bytes in e.
func (e Encoding) Duration(n int) time.Duration {
	bps := e.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

func (e Encoding) String() string { return string(e) }

// AudioFrame is one chunk of mono audio flowing through a session. Frames are
// treated as immutable: transforms allocate a new frame and carry Seq over.
type AudioFrame struct {
	// Data is the raw payload: μ-law bytes or 16-bit little-endian PCM.
	Data []byte

	// Encoding describes Data.
	Encoding Encoding

	// Seq increases monotonically per session and direction.
	Seq uint64
}

// Duration returns the playback time of the frame.
func (f AudioFrame) Duration() time.Duration { return f.Encoding.Duration(len(f.Data)) }
