// Package register registers every camera model the server can open.
package register

import (
	// register camera models.
	_ "go.viam.com/camserver/components/camera/fake"
	_ "go.viam.com/camserver/components/camera/videosource"
)
