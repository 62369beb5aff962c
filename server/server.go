package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v3"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/sig-0/p2pdesk/dispute"
	"github.com/sig-0/p2pdesk/engine"
	"github.com/sig-0/p2pdesk/limits"
	"github.com/sig-0/p2pdesk/offerbook"
	"github.com/sig-0/p2pdesk/rating"

	"github.com/sig-0/p2pdesk/server/config"
)

// RoutesFn is a callback that receives a router for registering routes
type RoutesFn func(router chi.Router)

var noopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Deps bundles the trading core components the API exposes
type Deps struct {
	Book     *offerbook.Book
	Engine   *engine.Engine
	Resolver *dispute.Resolver
	Ratings  *rating.Ledger
	Limits   *limits.Guard
}

type Server struct {
	logger *slog.Logger
	config *config.Config

	book     *offerbook.Book
	engine   *engine.Engine
	resolver *dispute.Resolver
	ratings  *rating.Ledger
	limits   *limits.Guard

	mux *chi.Mux
}

// New creates a new server instance
func New(deps Deps, opts ...Option) (*Server, error) {
	s := &Server{
		logger:   noopLogger,
		config:   config.DefaultConfig(),
		book:     deps.Book,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		ratings:  deps.Ratings,
		limits:   deps.Limits,
		mux:      chi.NewMux(),
	}

	// Apply the options
	for _, opt := range opts {
		opt(s)
	}

	// Validate the configuration
	if err := config.ValidateConfig(s.config); err != nil {
		return nil, fmt.Errorf("invalid configuration, %w", err)
	}

	// Set up the CORS middleware
	if s.config.CORSConfig != nil {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: s.config.CORSConfig.AllowedOrigins,
			AllowedMethods: s.config.CORSConfig.AllowedMethods,
			AllowedHeaders: s.config.CORSConfig.AllowedHeaders,
		})

		s.mux.Use(corsMiddleware.Handler)
	}

	s.mux.Use(httplog.RequestLogger(s.logger, &httplog.Options{
		Level:         slog.LevelInfo,
		Schema:        httplog.SchemaOTEL,
		RecoverPanics: true,
		Skip: func(_ *http.Request, respStatus int) bool {
			return respStatus == 404 || respStatus == 405
		},
	}))

	// Register the health check handler
	s.mux.Get("/health", func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})

	s.mux.Route("/v1", func(r chi.Router) {
		r.Post("/offers", s.CreateOffer)
		r.Get("/offers", s.ListOffers)
		r.Get("/offers/{id}", s.GetOffer)
		r.Delete("/offers/{id}", s.CancelOffer)
		r.Post("/offers/{id}/accept", s.AcceptOffer)

		r.Get("/trades/{id}", s.GetTrade)
		r.Post("/trades/{id}/claim-payment", s.ClaimPayment)
		r.Post("/trades/{id}/confirm-receipt", s.ConfirmReceipt)
		r.Post("/trades/{id}/cancel", s.CancelTrade)
		r.Post("/trades/{id}/dispute", s.RaiseDispute)
		r.Post("/trades/{id}/ratings", s.SubmitRating)

		r.Get("/disputes/{id}", s.GetDispute)
		r.Post("/disputes/{id}/resolve", s.ResolveDispute)

		r.Get("/users/{id}/rating-summary", s.RatingSummary)
		r.Get("/users/{id}/limits", s.LimitsUsage)
	})

	return s, nil
}

// Routes calls fn with the server mux so callers can add endpoints
func (s *Server) Routes(fn RoutesFn) {
	if fn == nil {
		return
	}

	fn(s.mux)
}

// Serve serves the trading core API
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.mux,
		ReadHeaderTimeout: 60 * time.Second,
	}

	group, gCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer s.logger.Info("server shut down")

		ln, err := net.Listen("tcp", server.Addr)
		if err != nil {
			return err
		}

		s.logger.Info(
			fmt.Sprintf(
				"server started at %s",
				ln.Addr().String(),
			),
		)

		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	group.Go(func() error {
		<-gCtx.Done()

		s.logger.Info("server to be shutdown")

		wsCtx, cancel := context.WithTimeout(context.Background(), time.Second*30)
		defer cancel()

		return server.Shutdown(wsCtx)
	})

	return group.Wait()
}
