// Command server runs the collaborative editing server: websocket endpoint,
// editing coordinator, update log with background checkpointing, and the
// commit pipeline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"collabwiki/collab"
	"collabwiki/crdtlog"
	"collabwiki/hub"
	"collabwiki/page"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := newLogger()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx := context.Background()

	mongoURI := envOr("MONGODB_URI", "mongodb://localhost:27017")
	database := envOr("MONGO_DATABASE", "collabwiki")
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	nodeID := envInt64("SNOWFLAKE_NODE", 1)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}

	logOpts := crdtlog.DefaultOptions()
	logStore, err := crdtlog.NewMongoStore(ctx, client, database, node, logger)
	if err != nil {
		return err
	}
	defer logStore.Close()

	presence, err := newPresenceStore(logOpts, logger)
	if err != nil {
		return err
	}
	defer presence.Close()

	pageStore, err := page.NewMongoStore(ctx, client, database, node, logger)
	if err != nil {
		return err
	}

	checkpointer := crdtlog.NewCheckpointer(logStore, logOpts, logger)
	checkpointer.Schedule(logOpts.SweepInterval)
	defer checkpointer.Stop()

	updates := crdtlog.NewService(logStore, presence, logOpts, logger)

	coord := collab.NewCoordinator(pageStore, collab.DefaultOptions(), logger)
	coord.Start()
	defer coord.Close()

	committer := page.NewCommitter(pageStore, logStore, checkpointer, nil, logger)

	h := hub.New(coord, updates, committer, openAuthorizer{}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", listenAddr))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newPresenceStore uses redis when REDIS_ADDR is set, otherwise the
// in-process store.
func newPresenceStore(opts *crdtlog.Options, logger *zap.Logger) (crdtlog.PresenceStore, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		logger.Info("REDIS_ADDR not set, using in-memory presence store")
		return crdtlog.NewMemoryPresence(opts.PresenceTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	return crdtlog.NewRedisPresence(client, opts.PresenceTTL)
}

// openAuthorizer permits every authenticated user. Deployments with page
// ACLs replace this with their permission service.
type openAuthorizer struct{}

func (openAuthorizer) EnsureCanEdit(ctx context.Context, userID, pageID string) error {
	return nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
