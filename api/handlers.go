package api

import "github.com/xiaoyuanzhu-com/session-fleet/server"

// Handlers holds references to server components
type Handlers struct {
	server  *server.Server
	uploads *UploadStore
}

// NewHandlers creates a new Handlers instance with server reference
func NewHandlers(srv *server.Server) *Handlers {
	return &Handlers{
		server:  srv,
		uploads: NewUploadStore(srv.Config().UploadsDir),
	}
}
