// Package webstream serves a camera as a multipart MJPEG stream, optionally drawing what an
// object detector finds onto each frame.
//
// Every frame is written as three chunks in order: the part boundary, the part header and the
// JPEG payload. Once a write fails the connection is abandoned; nothing is retried.
package webstream

import (
	"fmt"
	"strconv"
	"time"

	"go.viam.com/camserver/utils"
)

const (
	// Boundary separates parts of the multipart response.
	Boundary = "123456789000000000000987654321"
	// ContentType is the response content type of a stream.
	ContentType = utils.MimeTypeMultipartReplace + ";boundary=" + Boundary
	// FrameRateHeader is the nominal frame rate advertised in the X-Framerate header.
	FrameRateHeader = 60
)

var boundaryChunk = []byte("\r\n--" + Boundary + "\r\n")

// BoundaryChunk is the chunk written before every part.
func BoundaryChunk() []byte {
	return append([]byte(nil), boundaryChunk...)
}

// FormatTimestamp renders ts as whole seconds, a dot and six digits of microseconds.
func FormatTimestamp(ts time.Time) string {
	us := ts.UnixMicro()
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}

// PartHeader is the header of a part carrying an n byte JPEG captured at ts.
func PartHeader(n int, ts time.Time) []byte {
	b := make([]byte, 0, 96)
	b = append(b, "Content-Type: image/jpeg\r\nContent-Length: "...)
	b = strconv.AppendInt(b, int64(n), 10)
	b = append(b, "\r\nX-Timestamp: "...)
	b = append(b, FormatTimestamp(ts)...)
	b = append(b, "\r\n\r\n"...)
	return b
}
