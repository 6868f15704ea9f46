package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fmueller/voxserve/internal/scratch"
	"github.com/fmueller/voxserve/internal/transcription"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/fmueller/voxserve/internal/workpool"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Transcriber is the loaded model as seen by the handlers.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (transcription.Result, error)
}

type Options struct {
	Model            string
	Device           string
	Build            version.Info
	CORSOrigins      []string
	MaxUploadBytes   int64
	MaxDownloadBytes int64
	DownloadTimeout  time.Duration
	Pool             *workpool.Pool
	Scratch          *scratch.Dir
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

type Server struct {
	opts   Options
	log    *zap.Logger
	engine *gin.Engine

	transcriber atomic.Pointer[transcriberHandle]
}

type transcriberHandle struct {
	Transcriber
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pool == nil {
		opts.Pool = workpool.New(workpool.DefaultSize)
	}
	if opts.Scratch == nil {
		opts.Scratch = scratch.New("", opts.Logger)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	s := &Server{opts: opts, log: opts.Logger}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), accessLog(s.log), recovery(s.log))
	if policy := corsPolicy(s.opts.CORSOrigins, s.log); policy != nil {
		r.Use(policy)
	}

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.POST("/transcribe", s.handleTranscribe)
	r.POST("/transcribe-url", s.handleTranscribeURL)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetTranscriber publishes the loaded model. The first call flips readiness
// to true; there is no way back.
func (s *Server) SetTranscriber(t Transcriber) {
	if t == nil {
		return
	}
	if s.transcriber.CompareAndSwap(nil, &transcriberHandle{t}) {
		s.log.Info("model ready", zap.String("model", s.opts.Model), zap.String("device", s.opts.Device))
	}
}

func (s *Server) Ready() bool {
	return s.transcriber.Load() != nil
}

func (s *Server) loaded() (Transcriber, bool) {
	h := s.transcriber.Load()
	if h == nil {
		return nil, false
	}
	return h.Transcriber, true
}

// NewHTTPServer wraps handler with the listener timeouts used in production.
// There is no write timeout: a transcription response may take minutes.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		WriteTimeout:      0,
	}
}
