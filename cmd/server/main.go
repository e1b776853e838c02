package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irc-web-bridge/backend/api/handlers"
	"github.com/irc-web-bridge/backend/internal/config"
	"github.com/irc-web-bridge/backend/internal/db"
	"github.com/irc-web-bridge/backend/internal/handshake"
	"github.com/irc-web-bridge/backend/internal/metrics"
	"github.com/irc-web-bridge/backend/internal/repository"
	"github.com/irc-web-bridge/backend/internal/session"
	"github.com/irc-web-bridge/backend/internal/upstream"
	"github.com/irc-web-bridge/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (defaults to $"+config.EnvConfigPath+")")
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin, print its bcrypt hash and exit")
	flag.Parse()

	if *hashPassword {
		if err := printHash(); err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	gin.SetMode(cfg.Server.GinMode)

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}
	if cfg.IRC.TranscriptDir != "" {
		if err := os.MkdirAll(cfg.IRC.TranscriptDir, 0o755); err != nil {
			log.Fatalf("Failed to create transcript directory: %v", err)
		}
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionManager := session.NewManager(repository.NewLoginSessionRepository(database), session.Config{
		TTL:                cfg.Auth.SessionTTL,
		MaxSessionsPerUser: cfg.Auth.MaxSessionsPerUser,
		Users:              cfg.Auth.Users,
		Logger:             logger,
	})
	go sessionManager.RunPruner(ctx, cfg.Auth.PruneInterval)

	var observer metrics.Observer = metrics.NoopObserver{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		promReg := metrics.NewRegistry()
		observer = metrics.NewPromObserver(promReg)
		metricsHandler = metrics.Handler(promReg)
	}

	coordinator := handshake.NewCoordinator(handshake.Config{
		CookieName: cfg.Auth.CookieName,
		Secret:     cfg.Auth.CookieSecret,
		TTL:        cfg.Bridge.HandshakeTTL,
		Logger:     logger,
		Observer:   observer,
	})

	handlerCfg := ws.DefaultHandlerConfig()
	handlerCfg.Logger = logger
	handlerCfg.CheckOrigin = originChecker(cfg.Server.AllowedOrigins)
	bridge := ws.NewService(coordinator, ws.RegistryConfig{
		MaxConnections:  cfg.Bridge.MaxConnections,
		SendQueue:       cfg.Bridge.SendQueue,
		HeartbeatPeriod: cfg.Bridge.HeartbeatPeriod,
		Logger:          logger,
		Observer:        observer,
	}, handlerCfg)
	bridge.Start(ctx)
	defer bridge.Close()

	var ircUpstream handlers.Upstream
	if cfg.IRC.Server != "" {
		ircSession, err := upstream.New(upstream.Config{
			Server:         cfg.IRC.Server,
			TLS:            cfg.IRC.TLS,
			TLSInsecure:    cfg.IRC.TLSInsecure,
			Password:       cfg.IRC.Password,
			Nick:           cfg.IRC.Nick,
			User:           cfg.IRC.User,
			RealName:       cfg.IRC.RealName,
			Channels:       cfg.IRC.Channels,
			ReconnectDelay: cfg.IRC.ReconnectDelay,
			TranscriptDir:  cfg.IRC.TranscriptDir,
			OnLine:         bridge.ForwardLine,
			Logger:         logger,
			Observer:       observer,
		})
		if err != nil {
			log.Fatalf("Failed to configure IRC session: %v", err)
		}
		go func() {
			if err := ircSession.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("irc session stopped", "error", err)
			}
		}()
		ircUpstream = ircSession
	} else {
		logger.Warn("no irc server configured, bridge will only carry heartbeats")
	}

	authHandler := handlers.NewAuthHandler(sessionManager, handlers.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secret: cfg.Auth.CookieSecret,
		Secure: cfg.Auth.CookieSecure,
		MaxAge: cfg.Auth.SessionTTL,
	}, logger)
	ircHandler := handlers.NewIRCHandler(coordinator, bridge, ircUpstream, logger)

	router, err := handlers.NewRouter(handlers.RouterConfig{
		Auth:           authHandler,
		IRC:            ircHandler,
		Metrics:        metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("starting server", "addr", cfg.Server.Addr, "irc_server", cfg.IRC.Server)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// originChecker returns nil (same-host only) when no origins are listed.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func printHash() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	hash, err := session.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
