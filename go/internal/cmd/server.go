package main

import (
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match/outbox"
)

func setupServer(services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	registerServices(mux, services)
	setupHealthCheck(mux, services)

	handler := c.Handler(mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:    fmt.Sprintf(":%s", getEnv("PORT", "8080")),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func registerServices(mux *http.ServeMux, services *Services) {
	matchPath, matchHandler := services.Match.Handler(
		connect.WithInterceptors(auth.NewInterceptor(services.Auth)),
	)
	mux.Handle(matchPath, matchHandler)

	// Websocket push lives here only when the relay delivers in-process.
	if services.Gateway != nil {
		services.Gateway.RegisterRoutes(mux)
	}
}

func setupHealthCheck(mux *http.ServeMux, services *Services) {
	if services.Relay != nil {
		mux.Handle("/health/outbox", outbox.NewHealthChecker(services.Relay, nil, services.NATS, services.Counters, 0))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
