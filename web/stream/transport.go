package webstream

import (
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// ErrTransmitFailed is returned when a chunk could not be delivered to the client.
var ErrTransmitFailed = errors.New("transmit failed")

// A Transport delivers chunks of a response to the client in order.
type Transport interface {
	WriteChunk(chunk []byte) error
}

type httpTransport struct {
	w       io.Writer
	flusher http.Flusher
	err     error
	written int64
}

// NewHTTPTransport writes chunks to w, flushing after each one when w supports it. After the
// first failure every write fails without touching the connection again.
func NewHTTPTransport(w http.ResponseWriter) Transport {
	t := &httpTransport{w: w}
	if f, ok := w.(http.Flusher); ok {
		t.flusher = f
	}
	return t
}

func (t *httpTransport) WriteChunk(chunk []byte) error {
	if t.err != nil {
		return t.err
	}
	n, err := t.w.Write(chunk)
	t.written += int64(n)
	if err == nil && n < len(chunk) {
		err = io.ErrShortWrite
	}
	if err != nil {
		t.err = errors.Wrapf(ErrTransmitFailed, "after %d bytes: %v", t.written, err)
		return t.err
	}
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return nil
}
