package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

// DefaultReadTimeout is how long [Reader.Next] waits for a frame header before
// returning [ErrReadTimeout].
const DefaultReadTimeout = 500 * time.Millisecond

// ErrReadTimeout is returned by [Reader.Next] when no complete header arrived
// within the read timeout. It is not fatal: the next call resumes where the
// previous one stopped, including a partially read header.
var ErrReadTimeout = errors.New("audiosocket: read timeout")

// deadliner is implemented by net.Conn and anything else that supports read
// deadlines.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Option is a functional option for configuring a [Reader].
type Option func(*Reader)

// WithReadTimeout sets the header wait. Zero disables the timeout and makes
// Next block until a header arrives.
func WithReadTimeout(d time.Duration) Option {
	return func(r *Reader) { r.timeout = d }
}

// WithLogger sets the logger used for skipped frames. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// Reader decodes AudioSocket frames from a byte stream. It is not safe for
// concurrent use; a session owns exactly one Reader.
type Reader struct {
	src     io.Reader
	dl      deadliner
	timeout time.Duration
	log     *slog.Logger

	// hdr holds header bytes read so far; hdrN survives timeouts so a header
	// split across a deadline is never lost.
	hdr  [HeaderSize]byte
	hdrN int
}

// NewReader returns a Reader for src. Read timeouts are only enforced when src
// supports SetReadDeadline.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		src:     src,
		timeout: DefaultReadTimeout,
		log:     slog.Default(),
	}
	if dl, ok := src.(deadliner); ok {
		r.dl = dl
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Next returns the next Hangup, SessionId or Audio frame.
//
// It returns io.EOF when the stream ends cleanly, including when the peer
// closes in the middle of a payload. A stream that ends inside a header is
// reported as [ErrProtocol]. Frames of unknown type are logged and skipped
// after their payload has been consumed.
func (r *Reader) Next() (Frame, error) {
	for {
		f, err := r.readFrame()
		if err != nil {
			return Frame{}, err
		}
		if f.Type.Known() {
			return f, nil
		}
		r.log.Warn("audiosocket: skipping frame",
			"type", f.Type.String(),
			"len", len(f.Payload),
		)
	}
}

func (r *Reader) readFrame() (Frame, error) {
	if err := r.readHeader(); err != nil {
		return Frame{}, err
	}
	t := Type(r.hdr[0])
	length := int(binary.BigEndian.Uint16(r.hdr[1:3]))
	r.hdrN = 0

	if length == 0 {
		return Frame{Type: t}, nil
	}

	// The payload is read without a deadline: a timeout here would leave the
	// stream positioned inside a frame.
	if r.dl != nil {
		_ = r.dl.SetReadDeadline(time.Time{})
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.log.Debug("audiosocket: stream closed inside payload",
				"type", t.String(),
				"declared", length,
			)
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("audiosocket: read payload: %w", err)
	}
	return Frame{Type: t, Payload: payload}, nil
}

func (r *Reader) readHeader() error {
	if r.dl != nil && r.timeout > 0 {
		_ = r.dl.SetReadDeadline(time.Now().Add(r.timeout))
	}
	for r.hdrN < HeaderSize {
		n, err := r.src.Read(r.hdr[r.hdrN:])
		r.hdrN += n
		if err == nil {
			continue
		}
		if r.hdrN == HeaderSize && errors.Is(err, io.EOF) {
			// Header complete; the EOF surfaces on the payload read.
			return nil
		}
		switch {
		case isTimeout(err):
			return ErrReadTimeout
		case errors.Is(err, io.EOF):
			if r.hdrN == 0 {
				return io.EOF
			}
			return fmt.Errorf("%w: stream closed after %d of %d header bytes", ErrProtocol, r.hdrN, HeaderSize)
		default:
			return fmt.Errorf("audiosocket: read header: %w", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
