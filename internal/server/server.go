// Package server is the reference REST backend: the list, files, mkdir and
// health endpoints over a storage.Backend.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/internal/storage"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/protocol"
)

// ReadHeaderTimeout bounds slow clients on the listener.
const ReadHeaderTimeout = 10 * time.Second

// Config holds server settings.
type Config struct {
	// PartialPut accepts PUT with Content-Range. Without it such requests
	// get 501.
	PartialPut bool
	// Auth, when set, guards every endpoint except /health.
	Auth *Auth
	// Version is reported by /health.
	Version string
}

// Server serves the REST API.
type Server struct {
	store storage.Backend
	cfg   Config
}

// New creates a server over store.
func New(store storage.Backend, cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{store: store, cfg: cfg}
}

// Handler returns the HTTP handler with logging, metrics and, when
// configured, auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.HealthPath, s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("GET "+protocol.ListPrefix+"{path...}", s.handleList)
	api.HandleFunc("GET "+protocol.FilesPrefix+"{path...}", s.handleGet)
	api.HandleFunc("PUT "+protocol.FilesPrefix+"{path...}", s.handlePut)
	api.HandleFunc("DELETE "+protocol.FilesPrefix+"{path...}", s.handleDelete)
	api.HandleFunc("POST "+protocol.MkdirPrefix+"{path...}", s.handleMkdir)

	var protected http.Handler = api
	if s.cfg.Auth != nil {
		protected = s.cfg.Auth.Middleware(api)
	}
	mux.Handle(protocol.ListPrefix, protected)
	mux.Handle(protocol.FilesPrefix, protected)
	mux.Handle(protocol.MkdirPrefix, protected)

	return logging.Middleware(metrics.Middleware(mux))
}

// remotePath decodes the path after prefix.
func remotePath(r *http.Request, prefix string) (string, error) {
	return protocol.DecodePath(strings.TrimPrefix(r.URL.EscapedPath(), prefix))
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
		"storage": s.store.Type(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	dir, err := remotePath(r, protocol.ListPrefix)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	infos, err := s.store.List(r.Context(), dir)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}

	resp := make([]protocol.ListEntry, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, toWire(dir, info))
	}

	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(resp)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

func toWire(dir string, info storage.Info) protocol.ListEntry {
	kind := models.KindFile
	if info.Dir {
		kind = models.KindDirectory
	}
	return protocol.FromEntry(models.Entry{
		Path:    models.JoinPath(dir, info.Name),
		Name:    info.Name,
		Kind:    kind,
		Size:    info.Size,
		ModTime: info.ModTime,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := remotePath(r, protocol.FilesPrefix)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.store.Stat(r.Context(), p)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	if info.Dir {
		sendError(w, http.StatusConflict, "is a directory: "+p)
		return
	}

	total := info.Size
	offset, length, hasRange, err := protocol.ParseRange(r.Header.Get("Range"), total)
	if errors.Is(err, protocol.ErrUnsatisfiableRange) {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	reader, err := s.store.Open(r.Context(), p, offset, length)
	if err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if !info.ModTime.IsZero() {
		w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
	if hasRange {
		w.Header().Set("Content-Range", protocol.FormatContentRange(offset, length, total))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.CopyN(w, reader, length); err != nil {
		logging.WithContext(r.Context()).Debug("content copy ended early", zap.String("path", p), zap.Error(err))
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	p, err := remotePath(r, protocol.FilesPrefix)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p == "/" {
		sendError(w, http.StatusConflict, "is a directory: /")
		return
	}

	if cr := r.Header.Get("Content-Range"); cr != "" {
		s.putRange(w, r, p, cr)
		return
	}

	if err := s.store.Put(r.Context(), p, r.Body, r.ContentLength); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) putRange(w http.ResponseWriter, r *http.Request, p, header string) {
	if !s.cfg.PartialPut {
		sendError(w, http.StatusNotImplemented, "ranged PUT not supported")
		return
	}
	rng, err := protocol.ParseContentRange(header)
	if err != nil || rng.Total < 0 {
		sendError(w, http.StatusBadRequest, "invalid Content-Range: "+header)
		return
	}
	if r.ContentLength >= 0 && r.ContentLength != rng.Length {
		sendError(w, http.StatusBadRequest, "body length does not match Content-Range")
		return
	}
	if err := s.store.PutRange(r.Context(), p, r.Body, rng.Offset, rng.Length, rng.Total); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	p, err := remotePath(r, protocol.MkdirPrefix)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Mkdir(r.Context(), p); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, err := remotePath(r, protocol.FilesPrefix)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Delete(r.Context(), p); err != nil {
		s.sendStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps storage errors onto HTTP statuses. A missing or non-directory
// parent on a write is reported as 404.
func statusFor(r *http.Request, err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotDir):
		if r.Method == http.MethodPut || r.Method == http.MethodPost {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errors.Is(err, storage.ErrExists), errors.Is(err, storage.ErrIsDir):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, storage.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) sendStorageError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(r, err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("storage error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	sendError(w, code, err.Error())
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
