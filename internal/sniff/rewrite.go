package sniff

import (
	"errors"
	"fmt"
	"io"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/stream"
)

// rewriter refills a Conn's replay buffer with rewritten request heads and
// the raw bodies that follow them, one request after another.
type rewriter struct {
	r         *stream.Reader
	fn        httpreq.RewriteFunc
	bodyChunk int

	remaining   int64 // body bytes of the current request not yet relayed
	passthrough bool  // current request cannot be framed by length
}

// emit queues the rewritten head of req.
func (w *rewriter) emit(req *httpreq.Request, replay *stream.ReplayBuffer) error {
	out := httpreq.Rewrite(req, w.fn)
	if _, err := out.WriteTo(replay); err != nil {
		return fmt.Errorf("write rewritten head: %w", err)
	}
	w.remaining = max(req.ContentLength, 0)
	w.passthrough = !lengthFramed(req)
	return nil
}

func (w *rewriter) Refill(replay *stream.ReplayBuffer) error {
	if w.remaining > 0 {
		chunk, err := w.r.ReadUpTo(int(min(int64(w.bodyChunk), w.remaining)))
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read body: %w", err)
		}
		_, _ = replay.Write(chunk)
		w.remaining -= int64(len(chunk))
		return nil
	}
	if w.passthrough {
		return ErrPassthrough
	}

	req, err := httpreq.ReadRequest(w.r)
	if err != nil {
		return err
	}
	return w.emit(req, replay)
}

// lengthFramed reports whether the next request on the connection starts
// right after ContentLength body bytes. Chunked bodies and protocol
// upgrades are relayed raw instead.
func lengthFramed(req *httpreq.Request) bool {
	if _, ok := req.Header.GetFold("Transfer-Encoding"); ok {
		return false
	}
	if _, ok := req.Header.GetFold("Upgrade"); ok {
		return false
	}
	return true
}
