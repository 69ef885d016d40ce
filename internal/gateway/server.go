package gateway

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/coldtier/internal/glacier"
	"golang.org/x/time/rate"
)

// maxRestoreBody bounds the RestoreRequest document.
const maxRestoreBody = 64 << 10

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not safe for concurrent use.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status and store error to a metric status.
func classifyStatus(httpStatus int, err error) string {
	switch {
	case errors.Is(err, ErrBucketNotFound), errors.Is(err, ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidObjectState):
		return "invalid_state"
	case errors.Is(err, ErrRestoreInProgress):
		return "in_progress"
	}
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusServiceUnavailable:
		return "throttled"
	default:
		return "error"
	}
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Metrics *Metrics // optional
	// RateLimit is the sustained requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	Logger    zerolog.Logger
}

// Server provides the S3-compatible HTTP interface.
type Server struct {
	store   *Store
	metrics *Metrics
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewServer creates a server for store.
func NewServer(store *Store, cfg ServerConfig) *Server {
	s := &Server{
		store:   store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Handler returns the HTTP handler for object requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// handleRequest routes requests based on path and method.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.Throttled.Inc()
		}
		s.writeError(w, http.StatusServiceUnavailable, "SlowDown", "Please reduce your request rate")
		return
	}

	// Path format: /{bucket} or /{bucket}/{key...}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	s.logger.Debug().
		Str("method", r.Method).
		Str("bucket", bucket).
		Str("key", key).
		Msg("Object API request")

	switch {
	case bucket == "":
		s.writeError(w, http.StatusNotImplemented, "NotImplemented", "Service operations are not supported")
	case key == "":
		s.handleBucket(w, r, bucket)
	default:
		s.handleObject(w, r, bucket, key)
	}
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	switch r.Method {
	case http.MethodPut:
		s.instrument(w, "CreateBucket", func(rec *statusRecorder) error {
			err := s.store.CreateBucket(bucket)
			if err != nil {
				s.writeStoreError(rec, err)
				return err
			}
			rec.Header().Set("Location", "/"+bucket)
			rec.WriteHeader(http.StatusOK)
			return nil
		})
	case http.MethodHead:
		s.instrument(w, "HeadBucket", func(rec *statusRecorder) error {
			err := s.store.HeadBucket(bucket)
			if err != nil {
				rec.WriteHeader(statusFor(err))
				return err
			}
			rec.WriteHeader(http.StatusOK)
			return nil
		})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
	}
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	switch r.Method {
	case http.MethodGet:
		s.instrument(w, "GetObject", func(rec *statusRecorder) error { return s.getObject(rec, bucket, key) })
	case http.MethodHead:
		s.instrument(w, "HeadObject", func(rec *statusRecorder) error { return s.headObject(rec, bucket, key) })
	case http.MethodPut:
		s.instrument(w, "PutObject", func(rec *statusRecorder) error { return s.putObject(rec, r, bucket, key) })
	case http.MethodDelete:
		s.instrument(w, "DeleteObject", func(rec *statusRecorder) error { return s.deleteObject(rec, bucket, key) })
	case http.MethodPost:
		if _, ok := r.URL.Query()["restore"]; ok {
			s.instrument(w, "RestoreObject", func(rec *statusRecorder) error { return s.restoreObject(rec, r, bucket, key) })
			return
		}
		s.writeError(w, http.StatusNotImplemented, "NotImplemented", "Only ?restore is supported on POST")
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
	}
}

// instrument runs fn and records its status and duration.
func (s *Server) instrument(w http.ResponseWriter, operation string, fn func(rec *statusRecorder) error) {
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	err := fn(rec)
	if s.metrics != nil {
		s.metrics.RecordRequest(operation, classifyStatus(rec.getStatus(), err), time.Since(startTime).Seconds())
	}
}

// getObject handles GET /{bucket}/{key}.
func (s *Server) getObject(rec *statusRecorder, bucket, key string) error {
	reader, meta, err := s.store.GetObject(bucket, key)
	if err != nil {
		s.writeStoreError(rec, err)
		return err
	}
	defer func() { _ = reader.Close() }()

	setObjectHeaders(rec.Header(), meta)
	n, err := io.Copy(rec, reader)
	if err != nil {
		s.logger.Error().Err(err).Str("path", meta.Path).Msg("Failed to stream object")
	}
	if s.metrics != nil && n > 0 {
		s.metrics.RecordDownload(n)
	}
	return nil
}

// headObject handles HEAD /{bucket}/{key}.
func (s *Server) headObject(rec *statusRecorder, bucket, key string) error {
	meta, err := s.store.HeadObject(bucket, key)
	if err != nil {
		rec.WriteHeader(statusFor(err))
		return err
	}
	setObjectHeaders(rec.Header(), meta)
	rec.WriteHeader(http.StatusOK)
	return nil
}

// putObject handles PUT /{bucket}/{key}.
func (s *Server) putObject(rec *statusRecorder, r *http.Request, bucket, key string) error {
	storageClass := strings.ToUpper(r.Header.Get("x-amz-storage-class"))
	meta, err := s.store.PutObject(r.Context(), bucket, key, r.Body, storageClass)
	if err != nil {
		s.writeStoreError(rec, err)
		return err
	}
	rec.WriteHeader(http.StatusOK)
	if s.metrics != nil && meta.Size > 0 {
		s.metrics.RecordUpload(meta.Size)
	}
	return nil
}

// deleteObject handles DELETE /{bucket}/{key}.
func (s *Server) deleteObject(rec *statusRecorder, bucket, key string) error {
	err := s.store.DeleteObject(bucket, key)
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		s.writeStoreError(rec, err)
		return err
	}
	// S3 returns 204 even for non-existent objects on DELETE
	rec.WriteHeader(http.StatusNoContent)
	return nil
}

// restoreObject handles POST /{bucket}/{key}?restore.
func (s *Server) restoreObject(rec *statusRecorder, r *http.Request, bucket, key string) error {
	var req RestoreRequest
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxRestoreBody)).Decode(&req); err != nil {
		s.recordRestore("rejected")
		s.writeError(rec, http.StatusBadRequest, "MalformedXML", "Invalid RestoreRequest document")
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	result, err := s.store.RestoreObject(r.Context(), bucket, key, req.Days)
	if err != nil {
		if errors.Is(err, ErrRestoreInProgress) {
			s.recordRestore("in_progress")
		} else {
			s.recordRestore("rejected")
		}
		s.writeStoreError(rec, err)
		return err
	}

	if result == RestoreExtended {
		s.recordRestore("extended")
		rec.WriteHeader(http.StatusOK)
		return nil
	}
	s.recordRestore("queued")
	rec.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) recordRestore(result string) {
	if s.metrics != nil {
		s.metrics.RecordRestore(result)
	}
}

// setObjectHeaders writes the object's metadata headers.
func setObjectHeaders(h http.Header, meta *ObjectMeta) {
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", fmt.Sprintf("%d", meta.Size))
	h.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	if meta.IsGlacier() {
		h.Set("x-amz-storage-class", glacier.StorageClassGlacier)
	}
	if v := restoreHeader(meta.Restore); v != "" {
		h.Set("x-amz-restore", v)
	}
}

// restoreHeader renders the x-amz-restore header value.
func restoreHeader(status *glacier.RestoreStatus) string {
	if status == nil {
		return ""
	}
	switch status.State {
	case glacier.StateOngoing:
		return `ongoing-request="true"`
	case glacier.StateRestored:
		return fmt.Sprintf(`ongoing-request="false", expiry-date="%s"`, status.ExpiryTime.UTC().Format(http.TimeFormat))
	default:
		return ""
	}
}

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBucketNotFound), errors.Is(err, ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBucketExists), errors.Is(err, ErrRestoreInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidObjectState):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeStoreError maps a store error to an S3 error response.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBucketNotFound):
		s.writeError(w, http.StatusNotFound, "NoSuchBucket", "Bucket not found")
	case errors.Is(err, ErrObjectNotFound):
		s.writeError(w, http.StatusNotFound, "NoSuchKey", "Object not found")
	case errors.Is(err, ErrBucketExists):
		s.writeError(w, http.StatusConflict, "BucketAlreadyExists", "Bucket already exists")
	case errors.Is(err, ErrInvalidObjectState):
		s.writeError(w, http.StatusForbidden, "InvalidObjectState", "The operation is not valid for the object's storage class")
	case errors.Is(err, ErrRestoreInProgress):
		s.writeError(w, http.StatusConflict, "RestoreAlreadyInProgress", "Object restore is already in progress")
	case errors.Is(err, ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	default:
		s.logger.Error().Err(err).Msg("Object API request failed")
		s.writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

// writeError writes an S3-style XML error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	resp := ErrorResponse{
		Code:    code,
		Message: message,
	}
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}

// ErrorResponse represents an S3 error.
type ErrorResponse struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// RestoreRequest is the body of POST ?restore.
type RestoreRequest struct {
	XMLName xml.Name `xml:"RestoreRequest"`
	Days    int      `xml:"Days"`
}
