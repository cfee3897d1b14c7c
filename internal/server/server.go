package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/speedleague/reflex/internal/api"
	"github.com/speedleague/reflex/internal/attempt"
	"github.com/speedleague/reflex/internal/event"
	"github.com/speedleague/reflex/internal/faststore"
	"github.com/speedleague/reflex/internal/leaderboard"
	"github.com/speedleague/reflex/internal/league"
	"github.com/speedleague/reflex/internal/ratelimit"
	"github.com/speedleague/reflex/internal/score"
	"github.com/speedleague/reflex/internal/telemetry"
	"github.com/speedleague/reflex/internal/user"
	"github.com/speedleague/reflex/internal/worldid"
)

type Config struct {
	HTTP struct {
		Port               int32
		AllowedOrigins     []string
		RateLimitPerMinute int
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	WorldID struct {
		BaseURL string
		AppID   string
		Action  string
	}

	Auth struct {
		TokenSecret string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		fast     *faststore.Store
		postgres *pgxpool.Pool
	}

	service struct {
		user        *user.Service
		score       *score.Service
		leaderboard *leaderboard.Service
		ratelimit   *ratelimit.Service
		league      *league.Service
		attempt     *attempt.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	// A down fast store at boot is tolerated: everything it backs has a
	// durable fallback. The circuit opens on the first failed command.
	if err := r.Ping(ctx).Err(); err != nil {
		slog.Warn("server: fast store unreachable at startup, durable fallback will serve", "error", err)
	}

	s.infra.redis = r
	s.infra.fast = faststore.New(r)
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	s.service.score = score.NewService(score.Config{
		DB: s.infra.postgres,
	})

	s.service.user = user.NewService(user.Config{
		DB: s.infra.postgres,
		Verifier: worldid.NewClient(worldid.Config{
			BaseURL: s.c.WorldID.BaseURL,
			AppID:   s.c.WorldID.AppID,
			Action:  s.c.WorldID.Action,
		}),
		TokenSecret: s.c.Auth.TokenSecret,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		Fast:   s.infra.fast,
		Ledger: s.service.score,
		Prefix: s.c.Redis.Prefix,
	})

	s.service.ratelimit = ratelimit.NewService(ratelimit.Config{
		Fast:     s.infra.fast,
		Fallback: s.service.score,
		Prefix:   s.c.Redis.Prefix,
	})

	s.service.league = league.NewService(league.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres,
	})

	s.service.attempt = attempt.NewService(attempt.Config{
		EventBus: s.eb,
		Users:    s.service.user,
		Limiter:  s.service.ratelimit,
		Ledger:   s.service.score,
		Board:    s.service.leaderboard,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())
	e.Use(ipThrottle(s.c.HTTP.RateLimitPerMinute))

	api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		Attempt:      s.service.attempt,
		Leaderboard:  s.service.leaderboard,
		Score:        s.service.score,
		League:       s.service.league,
		User:         s.service.user,
		RateLimit:    s.service.ratelimit,
		Redis:        s.infra.redis,
		PubsubPrefix: s.c.Redis.Prefix,
	})

	h := cors.New(cors.Options{
		AllowedOrigins: s.c.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           h,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// ipThrottle is a coarse per-client-IP request limiter, a backstop in front of
// the game-level daily quota.
func ipThrottle(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		perMinute = 600
	}

	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
			limiters[ip] = l
		}
		return l
	}

	return func(c *gin.Context) {
		if !limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate-limited"})
			return
		}
		c.Next()
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()
	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
