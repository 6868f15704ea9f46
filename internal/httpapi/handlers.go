package httpapi

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/fmueller/voxserve/internal/download"
	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/fmueller/voxserve/internal/transcription"
	"github.com/fmueller/voxserve/internal/workpool"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	serviceName = "voxserve"
	uploadField = "file"
)

type healthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
	Device string `json:"device"`
	Ready  bool   `json:"ready"`
}

type rootResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Commit    string            `json:"commit,omitempty"`
	Formats   []string          `json:"formats"`
	Endpoints map[string]string `json:"endpoints"`
}

type transcribeURLRequest struct {
	URL      string `json:"url" form:"url"`
	Language string `json:"language" form:"language"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, rootResponse{
		Service: serviceName,
		Version: s.opts.Build.Version,
		Commit:  s.opts.Build.Commit,
		Formats: SupportedExtensions(),
		Endpoints: map[string]string{
			"POST /transcribe":     "transcribe an uploaded audio file (multipart field \"file\", optional ?language=)",
			"POST /transcribe-url": "download audio from an http(s) URL and transcribe it",
			"GET /health":          "model, device and readiness",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Model:  s.opts.Model,
		Device: s.opts.Device,
		Ready:  s.Ready(),
	})
}

func (s *Server) handleTranscribe(c *gin.Context) {
	if s.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	}

	reader, err := c.Request.MultipartReader()
	if err != nil {
		writeError(c, errInvalidRequest("expected a multipart/form-data upload"))
		return
	}

	part, err := nextFilePart(reader)
	if err != nil {
		s.writeUploadError(c, err)
		return
	}
	defer part.Close()

	ext := scratch.Extension(part.FileName())
	if !isSupportedExtension(ext) {
		writeError(c, errUnsupportedFormat(ext))
		return
	}

	transcriber, ok := s.loaded()
	if !ok {
		writeError(c, errModelLoading())
		return
	}

	audioPath, err := s.opts.Scratch.Write(part, ext)
	if err != nil {
		s.writeUploadError(c, err)
		return
	}
	defer s.opts.Scratch.Remove(audioPath)

	s.transcribe(c, transcriber, audioPath, c.Query("language"))
}

func (s *Server) handleTranscribeURL(c *gin.Context) {
	var in transcribeURLRequest
	if c.ContentType() == gin.MIMEJSON && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			writeError(c, errInvalidRequest("malformed JSON body: "+err.Error()))
			return
		}
	} else {
		in.URL = c.PostForm("url")
		in.Language = c.PostForm("language")
	}
	if q, ok := c.GetQuery("url"); ok {
		in.URL = q
	}
	if q, ok := c.GetQuery("language"); ok {
		in.Language = q
	}

	rawURL := strings.TrimSpace(in.URL)
	if rawURL == "" {
		writeError(c, errInvalidRequest("url is required"))
		return
	}
	if !hasHTTPScheme(rawURL) {
		writeError(c, errInvalidURL())
		return
	}

	transcriber, ok := s.loaded()
	if !ok {
		writeError(c, errModelLoading())
		return
	}

	f, err := s.opts.Scratch.Create(scratch.ExtensionFromURL(rawURL))
	if err != nil {
		s.log.Error("create scratch file", zap.Error(err))
		writeError(c, errInternal())
		return
	}
	audioPath := f.Name()
	_ = f.Close()
	defer s.opts.Scratch.Remove(audioPath)

	if err := s.fetch(c.Request.Context(), rawURL, audioPath); err != nil {
		s.log.Warn("remote audio download failed", zap.String("url", truncate(rawURL, 100)), zap.Error(err))
		writeError(c, errDownloadFailed(err))
		return
	}

	s.transcribe(c, transcriber, audioPath, in.Language)
}

func (s *Server) fetch(ctx context.Context, rawURL, dest string) error {
	if s.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DownloadTimeout)
		defer cancel()
	}

	s.log.Info("downloading audio", zap.String("url", truncate(rawURL, 100)))
	return download.DownloadFile(ctx, download.Options{
		URL:         rawURL,
		Destination: dest,
		Retries:     1,
		MaxBytes:    s.opts.MaxDownloadBytes,
		NoProgress:  true,
		HTTPClient:  s.opts.HTTPClient,
		Logger:      s.log,
	})
}

// transcribe hands the scratch file to a pool worker. The caller removes the
// file once this returns, which is always after the worker is done with it.
func (s *Server) transcribe(c *gin.Context, t Transcriber, audioPath, language string) {
	language = strings.TrimSpace(language)
	jobCtx := context.WithoutCancel(c.Request.Context())

	result, err := workpool.Do(c.Request.Context(), s.opts.Pool, jobCtx, func(ctx context.Context) (transcription.Result, error) {
		return t.Transcribe(ctx, audioPath, language)
	})
	if err != nil {
		var terr *transcription.TranscriptionError
		var perr *workpool.PanicError
		switch {
		case errors.As(err, &perr):
			s.log.Error("transcriber panicked", zap.String("request_id", c.GetString(requestIDKey)), zap.Any("panic", perr.Value))
			writeError(c, errTranscriptionFailed(perr))
		case errors.As(err, &terr):
			writeError(c, errTranscriptionFailed(terr))
		case errors.Is(err, workpool.ErrClosed):
			writeError(c, errUnavailable("server is shutting down"))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.log.Info("client left before a worker was free", zap.String("request_id", c.GetString(requestIDKey)))
			writeError(c, errUnavailable("request cancelled while waiting for a worker"))
		default:
			writeError(c, errTranscriptionFailed(err))
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) writeUploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(c, errPayloadTooLarge(tooLarge.Limit))
	case errors.Is(err, errNoFilePart):
		writeError(c, errInvalidRequest(`multipart field "file" is required`))
	default:
		s.log.Warn("reading upload failed", zap.Error(err))
		writeError(c, errInvalidRequest("could not read upload: "+err.Error()))
	}
}

var errNoFilePart = errors.New("no file part")

// nextFilePart advances the multipart stream to the upload field without
// buffering anything to disk.
func nextFilePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		_ = part.Close()
	}
}

func hasHTTPScheme(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
