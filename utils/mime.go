package utils

const (
	// MimeTypeJPEG is regular jpgs.
	MimeTypeJPEG = "image/jpeg"

	// MimeTypeBMP is an uncompressed windows bitmap.
	MimeTypeBMP = "image/x-windows-bmp"

	// MimeTypeHTML is used for the index page.
	MimeTypeHTML = "text/html"

	// MimeTypeMultipartReplace prefixes the content type of an MJPEG stream. The boundary
	// parameter must follow.
	MimeTypeMultipartReplace = "multipart/x-mixed-replace"
)
