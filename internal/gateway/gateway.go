// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway wires the HTTP surface: one route per inbound dialect and
// configured upstream, plus asset serving, image history, health and
// metrics. All hard logic lives in the core packages; this layer only glues
// them together.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/apischema"
	"github.com/modelrelay/modelrelay/internal/imagestore"
	"github.com/modelrelay/modelrelay/internal/keypool"
	"github.com/modelrelay/modelrelay/internal/llmapi"
	"github.com/modelrelay/modelrelay/internal/pipeline"
)

// Upstream describes one provider target reachable under /proxy/{name}.
type Upstream struct {
	// Name is the path segment clients select the upstream by.
	Name string `yaml:"name"`
	// Service is the provider tag driving the error policy and stream
	// adapter choice.
	Service llmapi.Service `yaml:"service"`
	// API is the outbound dialect the provider speaks.
	API llmapi.API `yaml:"api"`
	// BaseURL is the provider origin, e.g. https://api.openai.com.
	BaseURL string `yaml:"baseURL"`
}

// Config carries the gateway settings resolved by cmd.
type Config struct {
	// PublicOrigin is the externally visible origin used when rewriting
	// mirrored image URLs.
	PublicOrigin string
	AssetsDir    string
	Limits       apischema.Limits
	Upstreams    []Upstream
	// MaxAttempts bounds re-enqueued retries per request.
	MaxAttempts int
	// HistoryPageSize is how many entries /image-history returns.
	HistoryPageSize int
}

// Server is the assembled HTTP gateway.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	pool     keypool.Pool
	pipeline *pipeline.Pipeline
	history  *imagestore.Ring
	client   *http.Client
	registry *prometheus.Registry
}

// New assembles a Server from its collaborators.
func New(cfg Config, logger *slog.Logger, pool keypool.Pool, pl *pipeline.Pipeline, history *imagestore.Ring, registry *prometheus.Registry) *Server {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		pipeline: pl,
		history:  history,
		client:   &http.Client{Timeout: 10 * time.Minute},
		registry: registry,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/proxy/{upstream}", func(r chi.Router) {
		r.Post("/v1/chat/completions", s.completionHandler(llmapi.APIOpenAI))
		r.Post("/v1/completions", s.completionHandler(llmapi.APIOpenAIText))
		r.Post("/v1/images/generations", s.completionHandler(llmapi.APIOpenAIImage))
		r.Post("/v1/complete", s.completionHandler(llmapi.APIAnthropic))
		r.Post("/v1beta/generateContent", s.completionHandler(llmapi.APIGoogleAI))
		r.Post("/v1/mistral/chat/completions", s.completionHandler(llmapi.APIMistralAI))
	})

	r.Get("/image-history", s.imageHistoryHandler)
	r.Handle("/user_content/*", http.StripPrefix("/user_content/",
		http.FileServer(http.Dir(s.cfg.AssetsDir))))
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) imageHistoryHandler(w http.ResponseWriter, _ *http.Request) {
	entries := s.history.LastN(s.cfg.HistoryPageSize)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

// upstreamByName resolves the /proxy/{upstream} path segment.
func (s *Server) upstreamByName(name string) (Upstream, bool) {
	for _, u := range s.cfg.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return Upstream{}, false
}
