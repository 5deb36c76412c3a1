package app

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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "gossiphub/docs"
	"gossiphub/internal/config"
	"gossiphub/internal/handlers"
	"gossiphub/internal/metrics"
	"gossiphub/internal/middleware"
	"gossiphub/internal/pdf"
	"gossiphub/internal/realtime"
	"gossiphub/internal/repositories"
	"gossiphub/internal/routes"
	"gossiphub/internal/scheduler"
	"gossiphub/internal/services"
)

const (
	redisPrefix  = "gossiphub"
	fanoutTopic  = "gossiphub:fanout"
	shutdownWait = 10 * time.Second
)

type App struct {
	cfg *config.Config
	log *zap.Logger

	db    *sql.DB
	redis *redis.Client
	sched scheduler.Scheduler
	bus   realtime.Bus

	Auth     *middleware.Authenticator
	Registry *realtime.Registry
	Router   *realtime.Router
	engine   *gin.Engine
}

func Run() {
	cfg := config.LoadConfig()
	log := NewLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}

func NewLogger(cfg *config.Config) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if cfg.IsDevelopment() {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// New wires every component. Postgres and Redis are optional: without them
// the server runs single-process on in-memory stores.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	// === Storage ===
	var (
		chatRepo  repositories.ChatRepository
		callRepo  repositories.CallRepository
		notesRepo repositories.NotificationRepository
	)
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		if err := db.PingContext(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := repositories.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		chatRepo = repositories.NewChatRepository(db)
		callRepo = repositories.NewCallRepository(db)
		notesRepo = repositories.NewNotificationRepository(db)
	} else {
		log.Warn("no database configured, using in-memory store")
		mem := repositories.NewMemoryStore()
		chatRepo, callRepo, notesRepo = mem, mem, mem
	}

	// === Shared realtime state ===
	var presence realtime.PresenceStore
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opt)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		presence = realtime.NewRedisPresence(a.redis, redisPrefix, cfg.Realtime.PresenceStale)
		a.sched = scheduler.NewRedis(a.redis, log.Named("scheduler"), scheduler.RedisOptions{Prefix: redisPrefix, Tick: cfg.Realtime.SchedulerTick})
	} else {
		log.Warn("no redis configured, presence and delayed jobs are process-local")
		presence = realtime.NewMemoryPresence()
		a.sched = scheduler.NewMemory(log.Named("scheduler"))
	}

	a.Registry = realtime.NewRegistry(presence, a.sched, cfg.Realtime.PresenceGrace, log.Named("registry"))
	a.Router = realtime.NewRouter(a.Registry, log.Named("router"))
	if a.redis != nil {
		a.bus = realtime.NewRedisBus(a.redis, fanoutTopic, a.Router.Deliver, log.Named("bus"))
		a.Router.SetBus(a.bus)
	}
	a.Registry.OnPresenceChange(a.Router.BroadcastPresence)

	// === Services ===
	var channels []services.OfflineChannel
	if cfg.Email.SMTPHost != "" {
		mailer := services.NewEmailService(
			cfg.Email.SMTPHost,
			cfg.Email.SMTPPort,
			cfg.Email.SMTPUser,
			cfg.Email.SMTPPassword,
			cfg.Email.FromEmail,
		)
		channels = append(channels, services.EmailChannel{Mailer: mailer})
	}
	if cfg.Telegram.BotToken != "" {
		tg, err := services.NewTelegramService(cfg.Telegram.BotToken, log.Named("telegram"))
		if err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			channels = append(channels, tg)
		}
	}

	notificationService := services.NewNotificationService(notesRepo, a.Router, a.Registry, log.Named("notifications"), channels...)
	chatService := services.NewChatService(chatRepo)
	messageService := services.NewMessageService(chatRepo, a.Router, a.Registry, a.sched, notificationService, cfg.Realtime.EphemeralTTL, log.Named("messages"))
	callService := services.NewCallService(callRepo, chatRepo, messageService, notificationService, a.Router, a.Registry, a.sched, cfg.Realtime.RingTimeout, cfg.Realtime.CallHistorySize, log.Named("calls"))

	// === Handlers ===
	a.Auth = middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.QueryKey)
	chatHandler := handlers.NewChatHandler(chatService, messageService)
	callHandler := handlers.NewCallHandler(callService, pdf.NewReportGenerator(cfg.Files.FontPath))
	notificationHandler := handlers.NewNotificationHandler(notificationService)
	realtimeHandler := handlers.NewRealtimeHandler(handlers.RealtimeDeps{
		Auth:     a.Auth,
		Upgrader: realtime.NewUpgrader(cfg.Realtime.AllowedOrigins),
		Registry: a.Registry,
		Router:   a.Router,
		Chats:    chatService,
		Messages: messageService,
		Calls:    callService,
		Options: realtime.ClientOptions{
			QueueSize:    cfg.Realtime.SendQueueSize,
			WriteTimeout: cfg.Realtime.WriteTimeout,
			PongWait:     cfg.Realtime.PongWait,
		},
		Log: log.Named("ws"),
	})

	// === Gin ===
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Register()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log.Named("http")))
	router.Use(corsMiddleware())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", a.healthz)

	routes.SetupRoutes(router, a.Auth, chatHandler, callHandler, notificationHandler, realtimeHandler)
	a.engine = router
	return a, nil
}

func (a *App) Handler() http.Handler { return a.engine }

// Start serves HTTP and runs the scheduler and bus until ctx is done, then
// shuts everything down.
func (a *App) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.sched.Run(gctx) })
	if a.bus != nil {
		g.Go(func() error { return a.bus.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		for _, c := range a.Registry.All() {
			c.Close()
		}
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("close database", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
	}
}

func (a *App) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := gin.H{"status": "ok"}
	code := http.StatusOK
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			status["database"], code = err.Error(), http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			status["redis"], code = err.Error(), http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		status["status"] = "degraded"
	}
	c.JSON(code, status)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
