package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/mathrush/internal/api"
	"github.com/victornm/mathrush/internal/arbiter"
	"github.com/victornm/mathrush/internal/domain"
	"github.com/victornm/mathrush/internal/event"
	"github.com/victornm/mathrush/internal/gateway"
	"github.com/victornm/mathrush/internal/leaderboard"
	"github.com/victornm/mathrush/internal/question"
	"github.com/victornm/mathrush/internal/round"
	"github.com/victornm/mathrush/internal/session"
	"github.com/victornm/mathrush/internal/telemetry"
)

// RedisConfig names one Redis node. Several addresses would make the universal
// client a cluster client, and the Lua scripts touch keys across hash slots.
type RedisConfig struct {
	Addrs   []string
	Pass    string
	Prefix  string
	Timeout time.Duration
}

func (c RedisConfig) validate() error {
	if len(c.Addrs) != 1 {
		return fmt.Errorf("exactly one address is supported, got %d", len(c.Addrs))
	}
	return nil
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log telemetry.LogConfig

	Redis struct {
		Store  RedisConfig
		Pubsub RedisConfig
	}

	Quiz struct {
		SessionTTL      time.Duration
		WinnerTTL       time.Duration
		AttemptTTL      time.Duration
		RetireAfter     time.Duration
		PointsPerWin    int64
		Difficulty      string
		LeaderboardSize int
	}

	Gateway struct {
		WriteTimeout   time.Duration
		ReadTimeout    time.Duration
		PingInterval   time.Duration
		MaxMessageSize int64
		SendBuffer     int
	}

	CORS struct {
		Origins []string
	}

	// HealthInterval is how often the gRPC health status is refreshed from Redis.
	HealthInterval time.Duration
}

func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 3000
	c.GRPC.Port = 3001

	c.Log = telemetry.LogConfig{Level: "info", Format: "json"}

	c.Redis.Store = RedisConfig{
		Addrs:   []string{"localhost:6379"},
		Prefix:  "mathrush:",
		Timeout: 2 * time.Second,
	}
	c.Redis.Pubsub = c.Redis.Store

	c.Quiz.SessionTTL = 24 * time.Hour
	c.Quiz.WinnerTTL = arbiter.DefaultWinnerTTL
	c.Quiz.AttemptTTL = arbiter.DefaultAttemptTTL
	c.Quiz.RetireAfter = round.DefaultRetireAfter
	c.Quiz.PointsPerWin = arbiter.DefaultPoints
	c.Quiz.Difficulty = string(domain.DifficultyEasy)
	c.Quiz.LeaderboardSize = leaderboard.DefaultLimit

	c.Gateway.WriteTimeout = 10 * time.Second
	c.Gateway.ReadTimeout = 60 * time.Second
	c.Gateway.PingInterval = 54 * time.Second
	c.Gateway.MaxMessageSize = 4096
	c.Gateway.SendBuffer = 256

	c.CORS.Origins = []string{"*"}
	c.HealthInterval = 5 * time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}
	}

	service struct {
		session     *session.Service
		question    *question.Service
		leaderboard *leaderboard.Service
		arbiter     *arbiter.Service
		round       *round.Service
	}

	hub    *gateway.Hub
	health *health.Server

	http *http.Server
	grpc *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(c RedisConfig) (redis.UniversalClient, error) {
		if err := c.validate(); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect(s.c.Redis.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initService() error {
	difficulty, err := domain.ParseDifficulty(s.c.Quiz.Difficulty)
	if err != nil {
		return fmt.Errorf("quiz difficulty: %w", err)
	}

	st := s.c.Redis.Store

	s.service.session = session.NewService(session.Config{
		Redis:    s.infra.redis.store,
		Prefix:   st.Prefix,
		EventBus: s.eb,
		TTL:      s.c.Quiz.SessionTTL,
		Timeout:  st.Timeout,
	})

	s.service.question = question.NewService(question.Config{
		Redis:     s.infra.redis.store,
		Prefix:    st.Prefix,
		Generator: question.NewGenerator(nil),
		Timeout:   st.Timeout,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		Redis:   s.infra.redis.store,
		Prefix:  st.Prefix,
		Session: s.service.session,
		Timeout: st.Timeout,
	})

	s.service.arbiter = arbiter.NewService(arbiter.Config{
		Redis:       s.infra.redis.store,
		Prefix:      st.Prefix,
		Session:     s.service.session,
		Question:    s.service.question,
		Leaderboard: s.service.leaderboard,
		Points:      s.c.Quiz.PointsPerWin,
		WinnerTTL:   s.c.Quiz.WinnerTTL,
		AttemptTTL:  s.c.Quiz.AttemptTTL,
		Timeout:     st.Timeout,
	})

	s.service.round = round.NewService(round.Config{
		EventBus:        s.eb,
		Session:         s.service.session,
		Question:        s.service.question,
		Leaderboard:     s.service.leaderboard,
		Arbiter:         s.service.arbiter,
		Difficulty:      difficulty,
		LeaderboardSize: s.c.Quiz.LeaderboardSize,
		RetireAfter:     s.c.Quiz.RetireAfter,
	})

	return nil
}

func (s *Server) initAPI() {
	co := cors.New(cors.Options{
		AllowedOrigins: s.c.CORS.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Session-Id"},
	})

	s.hub = gateway.NewHub(gateway.Config{
		Redis:          s.infra.redis.pubsub,
		Prefix:         s.c.Redis.Pubsub.Prefix,
		Sessions:       s.service.session,
		Quiz:           s.service.round,
		Timeout:        s.c.Redis.Pubsub.Timeout,
		WriteTimeout:   s.c.Gateway.WriteTimeout,
		ReadTimeout:    s.c.Gateway.ReadTimeout,
		PingInterval:   s.c.Gateway.PingInterval,
		MaxMessageSize: s.c.Gateway.MaxMessageSize,
		SendBuffer:     s.c.Gateway.SendBuffer,
		CheckOrigin:    co.OriginAllowed,
	})

	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:      e,
		EventBus:    s.eb,
		Session:     s.service.session,
		Question:    s.service.question,
		Leaderboard: s.service.leaderboard,
		Round:       s.service.round,
		Gateway:     s.hub,
	})

	s.health = health.NewServer()
	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors()...)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           co.Handler(e),
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := s.ctx

	if err := s.service.round.Bootstrap(ctx); err != nil {
		slog.ErrorContext(ctx, "server: bootstrap round failed", "error", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		if err := s.hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		s.watchHealth(ctx)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// watchHealth keeps the gRPC health status in line with store reachability.
func (s *Server) watchHealth(ctx context.Context) {
	interval := s.c.HealthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	serving := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := s.service.session.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}

		if status != serving {
			slog.InfoContext(ctx, "server: health changed", "status", status.String())
			s.health.SetServingStatus("", status)
			serving = status
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if err := errors.Join(s.infra.redis.store.Close(), s.infra.redis.pubsub.Close()); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
