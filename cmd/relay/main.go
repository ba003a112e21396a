// The relay command runs the duocall signaling relay: websocket signaling,
// chat persistence, attachment uploads and an optional embedded STUN/TURN
// server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/attach"
	"github.com/mikeyg42/duocall/internal/chat"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/identity"
	"github.com/mikeyg42/duocall/internal/presence"
	"github.com/mikeyg42/duocall/internal/relay"
	"github.com/mikeyg42/duocall/internal/turnserver"
)

func main() {
	cfg := config.NewDefaultConfig()

	var (
		dev      bool
		stunURLs string
	)

	flag.StringVar(&cfg.Relay.Addr, "addr", envOr("RELAY_ADDR", cfg.Relay.Addr), "listen address")
	flag.StringVar(&cfg.Identity.Secret, "secret", envOr("RELAY_SECRET", "duocall-dev-secret"), "identity signing secret")
	flag.StringVar(&cfg.Postgres.DSN, "pg-dsn", envOr("PG_DSN", ""), "postgres DSN; empty runs the in-memory message store")
	flag.StringVar(&cfg.MinIO.Endpoint, "minio-endpoint", envOr("MINIO_ENDPOINT", ""), "minio endpoint; empty disables attachment uploads")
	flag.StringVar(&cfg.MinIO.AccessKeyID, "minio-access-key", envOr("MINIO_ACCESS_KEY", ""), "minio access key")
	flag.StringVar(&cfg.MinIO.SecretAccessKey, "minio-secret-key", envOr("MINIO_SECRET_KEY", ""), "minio secret key")
	flag.StringVar(&cfg.MinIO.Bucket, "minio-bucket", envOr("MINIO_BUCKET", "duocall-attachments"), "minio bucket")
	flag.BoolVar(&cfg.TURN.Enabled, "turn", false, "run the embedded STUN/TURN server")
	flag.StringVar(&cfg.TURN.PublicIP, "turn-public-ip", envOr("TURN_PUBLIC_IP", ""), "public IP advertised by the TURN server")
	flag.IntVar(&cfg.TURN.Port, "turn-port", cfg.TURN.Port, "TURN UDP port")
	flag.StringVar(&cfg.TURN.Users, "turn-users", envOr("TURN_USERS", ""), "TURN credentials, user=pass,user2=pass2")
	flag.StringVar(&stunURLs, "ice-servers", envOr("ICE_SERVERS", ""), "comma-separated ICE server URLs handed to clients")
	flag.BoolVar(&dev, "dev", false, "development logging")
	flag.Parse()

	logger := buildLogger(dev)
	defer logger.Sync() //nolint:errcheck

	if stunURLs != "" {
		cfg.Relay.ICEServerURLs = strings.Split(stunURLs, ",")
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.TURN.Enabled {
		ts, err := turnserver.New(ctx, cfg.TURN, logger)
		if err != nil {
			return err
		}
		defer ts.Close()
		cfg.Relay.ICEServerURLs = append(cfg.Relay.ICEServerURLs, ts.URLs()...)
	}

	ident := identity.NewProvider(cfg.Identity.Secret)
	hub := relay.NewHub(cfg.Relay, presence.NewRegistry(), store, ident, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/messages", messagesHandler(store, ident))

	if cfg.MinIO.Endpoint != "" {
		uploads, err := attach.NewStore(ctx, cfg.MinIO, logger)
		if err != nil {
			return err
		}
		mux.HandleFunc("/attachments", attachmentsHandler(uploads, ident, logger))
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.Relay.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (chat.MessageStore, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("no postgres DSN, chat history will not survive restarts")
		return chat.NewMemoryStore(), nil
	}
	return chat.NewPostgresStore(ctx, cfg.Postgres, logger)
}

// messagesHandler serves recent chat history for a room the caller belongs
// to: GET /messages?room=…&limit=…
func messagesHandler(store chat.MessageStore, ident *identity.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authorize(r, ident)
		if !ok {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		room := r.URL.Query().Get("room")
		if !chat.RoomMember(room, userID) {
			http.Error(w, "not a member of this room", http.StatusForbidden)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}

		msgs, err := store.RecentMessages(r.Context(), room, limit)
		if err != nil {
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(msgs) //nolint:errcheck
	}
}

// attachmentsHandler accepts POST uploads and returns the object key plus a
// presigned GET URL for embedding in a chat message.
func attachmentsHandler(uploads *attach.Store, ident *identity.Provider, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, ok := authorize(r, ident)
		if !ok {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		key, err := uploads.Upload(r.Context(), userID, r.Body, r.ContentLength, r.Header.Get("Content-Type"))
		if err != nil {
			logger.Warn("attachment upload failed", zap.Error(err))
			http.Error(w, "upload failed", http.StatusBadGateway)
			return
		}
		url, err := uploads.PresignedURL(r.Context(), key)
		if err != nil {
			http.Error(w, "presign failed", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"key": key,
			"url": url,
		})
	}
}

func authorize(r *http.Request, ident *identity.Provider) (string, bool) {
	userID := r.URL.Query().Get("userId")
	token := r.URL.Query().Get("token")
	if userID == "" || !ident.Verify(userID, token) {
		return "", false
	}
	return userID, true
}

func buildLogger(dev bool) *zap.Logger {
	if dev {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
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
