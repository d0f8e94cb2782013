package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jxt1009/toperparty/internal/adapters/signal"
	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/relay"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenKey = "client_token"
	secretHeader   = "X-Relay-Secret"
)

// ClientTokenMiddleware keeps a stable per-browser token in the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, r *relay.Relay, clk clock.Clock) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	e := gin.New()
	if cfg.Mode == "debug" {
		e.Use(gin.Logger())
	}
	e.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Relay.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	e.Use(sessions.Sessions("PartySessions", store))
	e.Use(ClientTokenMiddleware())

	e.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := e.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": r.Rooms.List()})
	})

	// Operator eviction: disconnects every member of the room.
	api.DELETE("/rooms/:id", func(c *gin.Context) {
		if cfg.Relay.Secret == "" || c.GetHeader(secretHeader) != cfg.Relay.Secret {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		id := domain.NormalizeRoomID(c.Param("id"))
		if _, ok := r.Rooms.GetRoom(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		r.EvictRoom(id)
		log.Info().Str("module", "adapters.http").Str("room", string(id)).Msg("room evicted")
		c.Status(http.StatusNoContent)
	})

	ctrl := signal.NewSignalWSController(r, clk, cfg.Relay.ReadLimit, cfg.Relay.PingPeriod, cfg.Relay.SendBuffer)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return e
}
