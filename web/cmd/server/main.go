// Package main serves a camera's stills and MJPEG stream over HTTP.
package main

import (
	"go.viam.com/utils"

	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/web/server"
)

var logger = logging.NewDebugLogger("camserver")

func main() {
	utils.ContextualMain(server.RunServer, logger)
}
