//go:build linux && !no_cgo

package register

import (
	// register the libusb video class camera.
	_ "go.viam.com/camserver/components/camera/uvc"
)
