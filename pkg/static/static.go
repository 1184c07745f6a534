// Package static serves files from a directory as TFTP routes.
package static

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/route"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

type Option func(*fileServer)

// WithCacheTTL keeps file contents in memory for ttl after they are read.
func WithCacheTTL(ttl time.Duration) Option {
	return func(fs *fileServer) {
		if ttl > 0 {
			fs.cache = gocache.New(ttl, 2*ttl)
		}
	}
}

type fileServer struct {
	root  string
	cache *gocache.Cache
}

// ServeStatic returns a handler that responds with the content of
// dir/<filename>. A file that cannot be read is passed on to the next route;
// a filename escaping dir fails with Access violation.
func ServeStatic(dir string, opts ...Option) route.Handler {
	fs := &fileServer{root: filepath.Clean(dir)}
	for _, opt := range opts {
		opt(fs)
	}
	return fs.serve
}

func (fs *fileServer) serve(req *route.Request, respond route.RespondFunc, next route.NextFunc) {
	path, err := fs.resolve(req.Filename)
	if err != nil {
		internal.Warn("rejected path outside root", internal.Fields{
			internal.FieldFile:    req.Filename,
			internal.FieldSession: req.SessionKey,
		})
		next(err)
		return
	}

	if fs.cache != nil {
		if v, ok := fs.cache.Get(path); ok {
			respond(v.([]byte))
			return
		}
	}

	go func() {
		data, err := readFile(path)
		if err != nil {
			internal.Debug("static file unavailable, trying next route", internal.Fields{
				internal.FieldFile:  req.Filename,
				internal.FieldError: err.Error(),
			})
			next(nil)
			return
		}
		if fs.cache != nil {
			fs.cache.SetDefault(path, data)
		}
		respond(data)
	}()
}

func (fs *fileServer) resolve(filename string) (string, error) {
	full := filepath.Join(fs.root, filepath.FromSlash(filename))
	rel, err := filepath.Rel(fs.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", tftpwire.ErrAccessViolation
	}
	return full, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	if info.IsDir() {
		return nil, errors.Errorf("%s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}
