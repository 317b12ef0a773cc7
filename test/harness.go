// Package test hosts the end-to-end harness: a real keystored HTTP
// stack on an ephemeral listener, driven through the public client.
package test

import (
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/internal/api"
	"github.com/kenneth/keystore-client/internal/audit"
	"github.com/kenneth/keystore-client/internal/metrics"
	"github.com/kenneth/keystore-client/internal/middleware"
	"github.com/kenneth/keystore-client/internal/storage/redisstore"
	"github.com/kenneth/keystore-client/pkg/keystore"
	"github.com/kenneth/keystore-client/pkg/softstore"
	"github.com/kenneth/keystore-client/pkg/transport/httpapi"
)

// Daemon is one running keystored instance under test.
type Daemon struct {
	URL    string
	Engine *softstore.Engine
	Audit  audit.Logger

	server *httptest.Server
}

// Options configures the daemon under test.
type Options struct {
	AuthSecret string
	UseRedis   bool
	EngineOpts []softstore.Option
}

// StartDaemon boots the full HTTP stack, middleware included, on an
// ephemeral port and tears it down with the test.
func StartDaemon(t *testing.T, opts Options) *Daemon {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engineOpts := opts.EngineOpts
	if opts.UseRedis {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		engineOpts = append(engineOpts, softstore.WithStore(redisstore.New(client)))
	}
	engineOpts = append(engineOpts, softstore.WithLogger(logger))
	engine := softstore.New(engineOpts...)

	auditLog := audit.NewLogger(1000, nullWriter{})
	m := metrics.New(engine.LiveOperations)
	handler := api.NewHandler(engine, logger, m, api.WithAuditLogger(auditLog))

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger, m))
	router.Use(api.AuthMiddleware(opts.AuthSecret))
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &Daemon{
		URL:    server.URL,
		Engine: engine,
		Audit:  auditLog,
		server: server,
	}
}

// Client returns a keystore client speaking to the daemon over HTTP.
func (d *Daemon) Client(opts ...httpapi.Option) keystore.Client {
	return keystore.New(httpapi.NewClient(d.URL, opts...))
}

type nullWriter struct{}

func (nullWriter) WriteEvent(*audit.Event) error { return nil }
