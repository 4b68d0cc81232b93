package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// frameWriter writes whole AudioSocket frames to the telephony leg.
type frameWriter interface {
	writeFrame(ctx context.Context, t audiosocket.Type, payload []byte) error
}

// telephonyWriter serialises egress audio and ingest keepalives on one socket.
// Each frame goes out in a single Write under a write deadline.
type telephonyWriter struct {
	mu      sync.Mutex
	conn    Conn
	timeout time.Duration
}

var _ frameWriter = (*telephonyWriter)(nil)

func (w *telephonyWriter) writeFrame(ctx context.Context, t audiosocket.Type, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if err := audiosocket.WriteFrame(w.conn, t, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
