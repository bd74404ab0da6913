package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/api"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/gateway"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/kv"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/oauth"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/protoreg"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/quotes"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/session"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/symbols"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/config"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/crypto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	store, err := openKV(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("token encryptor: %w", err)
	}

	sessions := session.NewStore(store, enc)
	syms := symbols.NewStore(store, cfg.SymbolsTTL)
	bus := quotes.NewBus()

	conn := upstream.NewConn(protoreg.New(cfg.ProtoDir), upstream.Options{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		DefaultEnv:   cfg.DefaultEnv,
		DemoHost:     cfg.DemoHost,
		LiveHost:     cfg.LiveHost,
		Port:         cfg.CTraderPort,
	}, log.Named("upstream"))

	oauthClient := oauth.NewClient(cfg.OAuthTokenURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI)

	gw := gateway.New(conn, bus, sessions, syms, oauthClient, cfg.DefaultEnv, log.Named("gateway"))
	conn.SetEventHandler(gw.HandleUpstreamEvent)

	if err := conn.Start(); err != nil {
		return fmt.Errorf("start upstream channel: %w", err)
	}

	server := api.NewServer(gw, bus, cfg, log.Named("http"))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Port), zap.String("env", cfg.DefaultEnv))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	conn.Stop()
	log.Info("gateway stopped")
	return nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openKV picks Redis when configured, otherwise the embedded SQLite file.
func openKV(cfg *config.Config, log *zap.Logger) (kv.Store, error) {
	if cfg.RedisURL != "" {
		store, err := kv.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("using redis KV store")
		return store, nil
	}

	store, err := kv.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite kv: %w", err)
	}
	log.Info("using embedded sqlite KV store", zap.String("path", cfg.SQLitePath))
	return store, nil
}
