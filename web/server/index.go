package server

import (
	"bytes"
	"compress/gzip"
	_ "embed"
	"net/http"
	"strings"

	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/utils"
)

//go:embed static/index.html
var indexHTML []byte

// gzipped is the index page compressed once at startup.
func gzipped(page []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(page); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type indexHandler struct {
	plain, compressed []byte
	logger            logging.Logger
}

func (h *indexHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", utils.MimeTypeHTML)
	w.Header().Add("Vary", "Accept-Encoding")
	page := h.plain
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		page = h.compressed
	}
	if _, err := w.Write(page); err != nil {
		h.logger.Debugw("error writing index", "error", err)
	}
}
