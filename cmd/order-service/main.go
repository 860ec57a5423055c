package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/restro-orders/internal/auth"
	"github.com/jogardn/restro-orders/internal/circuitbreaker"
	"github.com/jogardn/restro-orders/internal/config"
	"github.com/jogardn/restro-orders/internal/events"
	"github.com/jogardn/restro-orders/internal/notify"
	"github.com/jogardn/restro-orders/internal/orders"
	"github.com/jogardn/restro-orders/internal/store"
	"github.com/jogardn/restro-orders/internal/websocket"
	"github.com/sirupsen/logrus"
)

const (
	dbConnectAttempts = 30
	shutdownTimeout   = 30 * time.Second
)

type healthChecker struct {
	store    store.Store
	breakers *circuitbreaker.Registry
	logger   *logrus.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := cfg.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	sender, closeSender, err := openSender(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up notification sender")
	}
	defer closeSender.Close()

	breakers := circuitbreaker.NewRegistry(logger)
	breaker := breakers.GetOrCreate("notifier-"+cfg.Notifier.Backend, circuitbreaker.Config{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		IsFailure:   notify.IsDeliveryFailure,
	})
	dispatcher := notify.NewDispatcher(sender, breaker, notify.Options{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.Queue,
	}, logger)
	dispatcher.Start()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	service := orders.NewService(st, logger, dispatcher, hub)
	health := &healthChecker{store: st, breakers: breakers, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/health", health.ServeHTTP).Methods(http.MethodGet)
	api := router.NewRoute().Subrouter()
	api.Use(auth.Middleware(auth.NewVerifier(cfg.JWT.Secret), logger))
	orders.NewHandler(service, logger).Routes(api)
	api.HandleFunc("/ws", hub.ServeWS).Methods(http.MethodGet)
	router.Use(orders.LoggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      orders.CORS(cfg.Server.CORSOrigins)(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":     cfg.Server.Port,
			"store":    cfg.Store.Backend,
			"notifier": cfg.Notifier.Backend,
		}).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Notification queue not drained before shutdown")
	}

	logger.Info("Server gracefully stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	if cfg.Store.Backend == config.StoreMemory {
		m := store.NewMemory()
		if cfg.Store.Seed != "" {
			catalog, err := m.LoadCatalogFile(cfg.Store.Seed)
			if err != nil {
				return nil, err
			}
			logger.WithFields(logrus.Fields{
				"restaurants": len(catalog.Restaurants),
				"menu_items":  len(catalog.MenuItems),
			}).Info("Loaded catalog into memory store")
		}
		logger.Warn("Using in-memory store, orders will not survive a restart")
		return m, nil
	}

	db, err := store.OpenPostgres(ctx, cfg.DSN(), dbConnectAttempts, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return store.NewPostgres(db, logger), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openSender(cfg *config.Config, logger *logrus.Logger) (notify.Sender, io.Closer, error) {
	switch cfg.Notifier.Backend {
	case config.NotifierKafka:
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, nil, err
		}
		sender := events.NewKafkaSender(producer, cfg.Kafka.Topic, logger)
		return sender, sender, nil
	case config.NotifierRabbitMQ:
		sender, err := events.NewRabbitSender(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return nil, nil, err
		}
		return sender, sender, nil
	default:
		return notify.NewLogSender(logger), nopCloser{}, nil
	}
}

func (h *healthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":   "healthy",
		"service":  "order-service",
		"breakers": h.breakers.Snapshot(),
	}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		body["status"] = "unhealthy"
		body["error"] = "database connection failed"
		code = http.StatusServiceUnavailable
	} else if h.breakers.AnyOpen() {
		body["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
