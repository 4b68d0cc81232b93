package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Convert transcodes frame to the target encoding. The pipeline is: expand
// μ-law to PCM16, resample, compress to μ-law if the target asks for it.
//
// When the source already matches the target the frame is returned unchanged
// without copying. Unknown encodings yield [ErrUnsupportedEncoding]; a PCM
// source with an odd byte count yields [ErrMalformedPCM]. Seq is preserved.
func Convert(frame AudioFrame, target Encoding) (AudioFrame, error) {
	if !frame.Encoding.Valid() {
		return frame, fmt.Errorf("%w: source %q", ErrUnsupportedEncoding, frame.Encoding)
	}
	if !target.Valid() {
		return frame, fmt.Errorf("%w: target %q", ErrUnsupportedEncoding, target)
	}
	if frame.Encoding == target {
		return frame, nil
	}

	var pcm []byte
	if frame.Encoding.IsMulaw() {
		pcm = MulawDecode(frame.Data)
	} else {
		if len(frame.Data)%2 != 0 {
			return frame, fmt.Errorf("%w: %d bytes of %s", ErrMalformedPCM, len(frame.Data), frame.Encoding)
		}
		pcm = frame.Data
	}

	pcm = Resample(pcm, frame.Encoding.SampleRate(), target.SampleRate())

	// Distinct encodings always differ in codec or rate, so pcm never
	// aliases frame.Data here.
	if target.IsMulaw() {
		pcm = MulawEncode(pcm)
	}

	return AudioFrame{Data: pcm, Encoding: target, Seq: frame.Seq}, nil
}

// Converter is the best-effort wrapper around [Convert] used on a live
// stream. Frames in an unknown encoding are forwarded unchanged with a single
// warning per Converter; malformed frames are reported so the caller can
// drop them. Create one per stream direction.
type Converter struct {
	Target Encoding

	// Log receives the warnings. Defaults to slog.Default.
	Log *slog.Logger

	warnedUnsupported sync.Once
	warnedMalformed   sync.Once
}

// Convert converts frame to c.Target. A non-nil error means the frame must be
// dropped; it wraps [ErrMalformedPCM].
func (c *Converter) Convert(frame AudioFrame) (AudioFrame, error) {
	out, err := Convert(frame, c.Target)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrUnsupportedEncoding):
		c.warnedUnsupported.Do(func() {
			c.logger().Warn("audio converter: unsupported encoding, forwarding unchanged",
				"from", frame.Encoding.String(),
				"to", c.Target.String(),
			)
		})
		return frame, nil
	default:
		c.warnedMalformed.Do(func() {
			c.logger().Warn("audio converter: dropping malformed frame",
				"bytes", len(frame.Data),
				"encoding", frame.Encoding.String(),
				"seq", frame.Seq,
			)
		})
		return AudioFrame{}, err
	}
}

func (c *Converter) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}
