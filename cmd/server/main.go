package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/gate-sso/internal/authcode"
	"github.com/iliyamo/gate-sso/internal/client"
	"github.com/iliyamo/gate-sso/internal/config"
	"github.com/iliyamo/gate-sso/internal/credential"
	"github.com/iliyamo/gate-sso/internal/database"
	"github.com/iliyamo/gate-sso/internal/guard"
	"github.com/iliyamo/gate-sso/internal/handler"
	"github.com/iliyamo/gate-sso/internal/middleware"
	"github.com/iliyamo/gate-sso/internal/queue"
	"github.com/iliyamo/gate-sso/internal/repository"
	"github.com/iliyamo/gate-sso/internal/router"
	"github.com/iliyamo/gate-sso/internal/scope"
	"github.com/iliyamo/gate-sso/internal/session"
	"github.com/iliyamo/gate-sso/internal/sso"
	"github.com/iliyamo/gate-sso/internal/token"
	"github.com/iliyamo/gate-sso/internal/utils"
)

func main() {
	_ = godotenv.Load() // a missing .env is fine; the environment wins

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if config.IsDev(env) {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// backends are the stores selected from the configuration.
type backends struct {
	db        *sql.DB
	rdb       *redis.Client
	users     repository.UserStore
	clients   repository.ClientStore
	codes     repository.CodeStore
	counter   guard.Counter
	blacklist guard.Blacklist
}

func (b backends) close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

// openBackends picks MySQL when DB_HOST is set and Redis when it answers;
// everything else stays in memory.
func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (backends, error) {
	b := backends{
		users:     repository.NewMemoryUserStore(),
		clients:   repository.NewMemoryClientStore(),
		codes:     repository.NewMemoryCodeStore(),
		counter:   guard.NewMemoryCounter(nil),
		blacklist: guard.NewMemoryBlacklist(),
	}
	if cfg.DB.Enabled() {
		db, err := database.Open(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
		if err != nil {
			return b, fmt.Errorf("mysql: %w", err)
		}
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return b, err
		}
		b.db = db
		b.users = repository.NewUserRepo(db)
		b.clients = repository.NewClientRepo(db)
		b.blacklist = guard.NewSQLBlacklist(db)
		logger.Info("mysql connected", zap.String("host", cfg.DB.Host), zap.String("db", cfg.DB.Name))
	}
	if rdb := config.NewRedisClient(cfg.Redis); rdb != nil {
		b.rdb = rdb
		b.codes = authcode.NewRedisStore(rdb, "sso:code", nil)
		b.counter = guard.NewRedisCounter(rdb, "sso:rate", nil)
		b.blacklist = guard.NewRedisBlacklist(rdb, "sso:blacklist", nil)
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	} else if cfg.Redis.Addr != "" {
		logger.Warn("redis unreachable, using memory stores", zap.String("addr", cfg.Redis.Addr))
	}
	return b, nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	scopes := scope.NewAuthority(scope.DefaultCatalog())
	clients := client.NewRegistry(b.clients, scopes, client.Defaults{
		RateLimitPerMinute:    cfg.ClientRateLimit,
		MaxConcurrentSessions: cfg.ClientMaxSessions,
		ViolationCeiling:      cfg.ClientViolationCeiling,
		RequireApproval:       cfg.ClientRequireApproval,
		BcryptCost:            cfg.BcryptCost,
		Timeout:               cfg.StoreTimeout,
	}, client.WithLogger(logger.Named("client")))
	creds := credential.NewStore(b.users, credential.Policy{
		Threshold: cfg.MaxFailedAttempts,
		Duration:  cfg.LockoutDuration,
		Timeout:   cfg.StoreTimeout,
	}, credential.WithLogger(logger.Named("credential")))
	abuse := guard.New(b.counter, b.blacklist, guard.Limits{
		Window:           cfg.RateWindow,
		Ceiling:          cfg.RateCeiling,
		ClientWindow:     cfg.ClientRateWindow,
		ClientCeiling:    cfg.ClientRateLimit,
		FailureRetention: cfg.FailureRetention,
	}, guard.WithLogger(logger.Named("guard")))
	codes := authcode.NewIssuer(b.codes, cfg.CodeTTL,
		authcode.WithLogger(logger.Named("authcode")), authcode.WithTimeout(cfg.StoreTimeout))
	sessions := session.NewManager(repository.NewMemorySessionStore(), cfg.SessionTTL,
		session.WithLogger(logger.Named("session")),
		session.WithRetention(cfg.HistoryRetention),
		session.WithTimeout(cfg.StoreTimeout))
	tokens := token.NewService(token.Deps{
		Signer:    utils.NewTokenSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, nil),
		Tokens:    repository.NewMemoryTokenStore(),
		Blacklist: b.blacklist,
		Clients:   clients,
		Scopes:    scopes,
		Codes:     codes,
		Sessions:  sessions,
		Users:     creds,
	}, token.TTLs{Access: cfg.AccessTTL, Refresh: cfg.RefreshTTL},
		token.WithLogger(logger.Named("token")), token.WithTimeout(cfg.StoreTimeout))

	var auditor queue.Auditor = queue.NewLogAuditor(logger.Named("audit"))
	if cfg.Audit.URL != "" {
		pub := queue.NewPublisher(cfg.Audit.URL, cfg.Audit.Queue, logger.Named("audit"))
		defer pub.Close()
		auditor = pub
	}

	svc := sso.New(sso.Deps{
		Credentials: creds,
		Clients:     clients,
		Scopes:      scopes,
		Guard:       abuse,
		Codes:       codes,
		Tokens:      tokens,
		Sessions:    sessions,
		Auditor:     auditor,
	}, sso.WithLogger(logger.Named("sso")))

	if cfg.SeedDefaults {
		if err := seedDefaults(ctx, b.users, clients, cfg.BcryptCost, logger); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	e := newEcho(cfg, logger, svc, b)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return svc.RunSweeper(gctx, cfg.SweepInterval) })
	if cfg.Audit.Consumer && cfg.Audit.URL != "" {
		g.Go(func() error {
			return queue.StartAuditConsumer(gctx, cfg.Audit.URL, cfg.Audit.Queue, cfg.Audit.LogPath, logger.Named("audit-consumer"))
		})
	}
	return g.Wait()
}

func newEcho(cfg config.Config, logger *zap.Logger, svc *sso.Service, b backends) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger.Named("http"))
	proxies, _ := cfg.TrustedProxyRanges() // validated by config.Load
	e.IPExtractor = middleware.IPExtractor(proxies)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.AccessLog(logger.Named("http")))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, handler.SessionHeader},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
	}))

	checks := map[string]handler.Check{}
	if b.db != nil {
		checks["mysql"] = b.db.PingContext
	}
	if b.rdb != nil {
		rdb := b.rdb
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	router.RegisterRoutes(e, handler.NewReadiness(checks))
	router.RegisterSSO(e, handler.NewSSOHandler(svc, !config.IsDev(cfg.Env), cfg.SessionTTL), svc)
	router.RegisterManagement(e, router.Management{
		Clients:  handler.NewClientHandler(svc),
		Sessions: handler.NewSessionHandler(svc),
		Scopes:   handler.NewScopeHandler(svc),
	}, svc, middleware.NewRateLimiter(cfg.RateLimit, b.counter, logger.Named("ratelimit")))
	return e
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
