package primaryserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/models"
	"github.com/jacokyle01/sparring/personality"
)

const (
	defaultQueueSize = 100
	defaultPollWait  = 5 * time.Second
)

// Server manages the job queue and distributes work
type Server struct {
	jobs     chan models.Job
	pollWait time.Duration
	store    *Store
	log      *zap.Logger

	mu      sync.RWMutex
	jobMap  map[string]models.Job
	batches map[string]*models.Batch
	owner   map[string]string // job id -> batch id

	engine      personality.Evaluator
	selector    *personality.Selector
	commentator *personality.Commentator
	profiles    []models.PersonalityConfig
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.jobs = make(chan models.Job, n)
		}
	}
}

// WithPollWait bounds how long GET /job waits for work.
func WithPollWait(d time.Duration) Option {
	return func(s *Server) {
		s.pollWait = d
	}
}

// WithEngine lets POST /move consult a local pool.
func WithEngine(ev personality.Evaluator) Option {
	return func(s *Server) {
		s.engine = ev
	}
}

func WithProfiles(profiles []models.PersonalityConfig) Option {
	return func(s *Server) {
		s.profiles = profiles
	}
}

func WithCommentator(c *personality.Commentator) Option {
	return func(s *Server) {
		s.commentator = c
	}
}

func WithSelector(sel *personality.Selector) Option {
	return func(s *Server) {
		s.selector = sel
	}
}

// NewServer creates a new analysis server backed by store.
func NewServer(store *Store, opts ...Option) *Server {
	s := &Server{
		jobs:     make(chan models.Job, defaultQueueSize),
		pollWait: defaultPollWait,
		store:    store,
		log:      zap.NewNop(),
		jobMap:   make(map[string]models.Job),
		batches:  make(map[string]*models.Batch),
		owner:    make(map[string]string),
		profiles: personality.DefaultProfiles(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.selector == nil {
		s.selector = personality.NewSelector(personality.WithLogger(s.log))
	}
	if s.commentator == nil {
		s.commentator = personality.NewCommentator(nil, s.log)
	}
	return s
}

// Handler routes the server's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/job", s.handleGetJob)
	mux.HandleFunc("/result", s.handleSubmitResult)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/get_result", s.handleGetResult)
	mux.HandleFunc("/queue", s.handleViewQueue)
	mux.HandleFunc("/requestForAnalysis", s.handleRequestForAnalysis)
	mux.HandleFunc("/batch", s.handleGetBatch)
	mux.HandleFunc("/move", s.handleMove)
	return mux
}

// StartServer serves HTTP on addr until ctx is done.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
