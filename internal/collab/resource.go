// Package collab implements minimal default adapters for the collaborator
// interfaces spec.md §6 scopes out of the core: Resource, MediaTypeService,
// UriBuilder, ParameterConverter, and UriPattern. Each is deliberately
// small — the spec treats these as pluggable externals, so the defaults
// here exist to make the module runnable end to end, not to be a general
// media-type or routing library (see DESIGN.md).
package collab

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/outpostkit/outpost/internal/stream"
)

// FileResource adapts an os.File path to the outpost.Resource interface
// (MediaType/Size/LastModified/Open), letting Request.Body(BodyResource(...))
// stream a file with auto-populated Content-Length/Content-Type/Last-Modified
// (spec §4.B).
type FileResource struct {
	path      string
	mediaType MediaTypeService
}

// NewFileResource builds a FileResource for path, detecting its media type
// via svc (pass DefaultMediaTypeService() for the built-in extension table).
func NewFileResource(path string, svc MediaTypeService) *FileResource {
	return &FileResource{path: path, mediaType: svc}
}

func (f *FileResource) MediaType() string {
	if mt, ok := f.mediaType.DetectFromPath(f.path); ok {
		return mt
	}
	return "application/octet-stream"
}

func (f *FileResource) Size() (int64, bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (f *FileResource) LastModified() (time.Time, bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Open streams the file's contents in fixed-size chunks, handing
// backpressure to the caller through stream.New's yield-blocks-until-consumed
// contract (spec component A).
func (f *FileResource) Open() *stream.Publisher {
	const chunkSize = 32 * 1024
	return stream.New(func(ctx context.Context, yield func(stream.Chunk) bool) error {
		file, err := os.Open(f.path)
		if err != nil {
			return err
		}
		defer file.Close()

		buf := make([]byte, chunkSize)
		for {
			n, rerr := file.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(stream.Chunk{Data: chunk}) {
					return nil
				}
			}
			if rerr != nil {
				if rerr == io.EOF {
					return nil
				}
				return rerr
			}
		}
	})
}

// MediaTypeService detects a media type from an extension, filename, path,
// or URI (spec §6).
type MediaTypeService interface {
	DetectFromExtension(ext string) (string, bool)
	DetectFromPath(path string) (string, bool)
}

type defaultMediaTypeService struct{}

// DefaultMediaTypeService returns a MediaTypeService backed by the
// standard library's mime package (its system/registry-driven extension
// table), supplemented with the handful of types mime leaves unregistered
// on minimal systems.
func DefaultMediaTypeService() MediaTypeService { return defaultMediaTypeService{} }

var fallbackTypes = map[string]string{
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".xml":  "application/xml",
}

func (defaultMediaTypeService) DetectFromExtension(ext string) (string, bool) {
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt, true
	}
	if mt, ok := fallbackTypes[ext]; ok {
		return mt, true
	}
	return "", false
}

func (s defaultMediaTypeService) DetectFromPath(path string) (string, bool) {
	return s.DetectFromExtension(filepath.Ext(path))
}
