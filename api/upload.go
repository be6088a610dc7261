package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/tus/tusd/v2/pkg/filestore"
	tusd "github.com/tus/tusd/v2/pkg/handler"
	"github.com/xiaoyuanzhu-com/session-fleet/channel"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

const (
	tusBasePath = "/api/media/tus/"
	// maxUploadSize bounds a single media upload
	maxUploadSize = 64 * 1024 * 1024
)

var (
	ErrUploadNotFound   = errors.New("upload not found")
	ErrUploadIncomplete = errors.New("upload is not complete")
)

// UploadStore receives resumable media uploads and resolves them into
// media payloads for sends. The tus upload id is the media id.
type UploadStore struct {
	dir   string
	store filestore.FileStore

	once    sync.Once
	handler http.Handler
	initErr error
}

// NewUploadStore creates an upload store rooted at dir
func NewUploadStore(dir string) *UploadStore {
	return &UploadStore{dir: dir, store: filestore.New(dir)}
}

// Handler returns the TUS protocol handler, creating it on first use
func (u *UploadStore) Handler() (http.Handler, error) {
	u.once.Do(func() {
		// Ensure upload directory exists
		if err := os.MkdirAll(u.dir, 0755); err != nil {
			u.initErr = err
			return
		}

		composer := tusd.NewStoreComposer()
		u.store.UseIn(composer)

		handler, err := tusd.NewHandler(tusd.Config{
			BasePath:                tusBasePath,
			StoreComposer:           composer,
			RespectForwardedHeaders: true,
			MaxSize:                 maxUploadSize,
		})
		if err != nil {
			u.initErr = err
			return
		}

		u.handler = handler
		log.Info().Str("dir", u.dir).Msg("TUS handler initialized")
	})
	return u.handler, u.initErr
}

// Load reads a finished upload as a media payload
func (u *UploadStore) Load(ctx context.Context, mediaID string) (*channel.Media, error) {
	if mediaID == "" || strings.ContainsAny(mediaID, `/\`) || strings.Contains(mediaID, "..") {
		return nil, ErrUploadNotFound
	}
	if _, err := os.Stat(filepath.Join(u.dir, mediaID+".info")); err != nil {
		return nil, ErrUploadNotFound
	}

	upload, err := u.store.GetUpload(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	info, err := upload.GetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload info: %w", err)
	}
	if info.SizeIsDeferred || info.Offset != info.Size {
		return nil, ErrUploadIncomplete
	}

	reader, err := upload.GetReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload data: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload data: %w", err)
	}

	filename := info.MetaData["filename"]
	if filename == "" {
		filename = mediaID
	}
	mimeType := info.MetaData["filetype"]
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &channel.Media{MimeType: mimeType, Filename: filename, Data: data}, nil
}

// TUSHandler handles all TUS protocol requests
func (h *Handlers) TUSHandler(c *gin.Context) {
	handler, err := h.uploads.Handler()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize TUS handler")
		RespondInternalError(c, "Failed to initialize upload handler")
		return
	}

	// TUS handler expects paths without the base path prefix; http.StripPrefix
	// does not play well with Gin's wildcard routes
	originalPath := c.Request.URL.Path
	c.Request.URL.Path = strings.TrimPrefix(originalPath, strings.TrimSuffix(tusBasePath, "/"))

	handler.ServeHTTP(c.Writer, c.Request)

	c.Request.URL.Path = originalPath
}
