package inject

import "sync"

// Transport is an injected chunk transport that also records what it accepted.
type Transport struct {
	WriteChunkFunc func(chunk []byte) error

	mu     sync.Mutex
	chunks [][]byte
}

// WriteChunk calls the injected WriteChunk, recording the chunk when it succeeds. Without an
// injected function every chunk is accepted.
func (t *Transport) WriteChunk(chunk []byte) error {
	if t.WriteChunkFunc != nil {
		if err := t.WriteChunkFunc(chunk); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, append([]byte(nil), chunk...))
	return nil
}

// Chunks returns the accepted chunks in order.
func (t *Transport) Chunks() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.chunks...)
}
