// Package apiserver is the administrative HTTP API of the controller:
// streams and viewers as seen by the statistics broker, and deauthorization
// of viewers.
package apiserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kbats183/shmstream/pkg/registry"
)

type WebServerConfig struct {
	Addr     string
	User     string
	Password string
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
}

func prepareConfig(config WebServerConfig) WebServerConfig {
	if config.Addr == "" {
		config.Addr = ":6070"
	}
	return config
}

type webServer struct {
	registry registry.Registry
	router   *chi.Mux
	server   *http.Server
}

func NewWebServer(config WebServerConfig, registry registry.Registry) *webServer {
	config = prepareConfig(config)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(loggerMiddleware())
	router.Use(middleware.Recoverer)
	router.Use(BasicAuth(config.User, config.Password))

	streamRouter := newStreamsRouter(router, registry)
	streamRouter.Routes()
	if config.Profiler {
		router.Mount("/debug", middleware.Profiler())
	}

	return &webServer{
		registry: registry,
		router:   router,
		server:   &http.Server{Addr: config.Addr, Handler: router},
	}
}

// Handler is the routed API, for embedding and tests.
func (a *webServer) Handler() http.Handler {
	return a.router
}

func (a *webServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := a.Stop(); err != nil {
			log.Errorf("Error stopping web server: %v", err)
		}
	}()

	log.Infof("Starting web server on %s", a.server.Addr)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *webServer) Stop() error {
	log.Infof("Stopping web server")
	return a.server.Shutdown(context.Background())
}
