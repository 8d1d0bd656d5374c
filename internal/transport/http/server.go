package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/push"
	"github.com/vovakirdan/wirechat-relay/internal/relay"
	"github.com/vovakirdan/wirechat-relay/internal/service/groups"
)

// Relayer runs one inbound message through validate, append and broadcast.
type Relayer interface {
	HandleIncoming(ctx context.Context, in relay.Incoming) relay.Response
}

// Deps are the services exposed over HTTP and WebSocket.
type Deps struct {
	Relay   Relayer
	Groups  *groups.Service
	Gateway *push.Gateway
	Metrics *metrics.Metrics
}

// NewServer builds an HTTP server with basic routes.
func NewServer(deps Deps, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(deps, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewHandler mounts /ws on a plain mux and everything else on the gin router.
// The websocket upgrade must not pass through gin: its writer refuses to be
// hijacked once the 101 header has been flushed.
func NewHandler(deps Deps, cfg config.Config, logger *zerolog.Logger) stdhttp.Handler {
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps, cfg.WS, validator.New(), logger))
	mux.Handle("/", NewRouter(deps, logger))
	return mux
}

// NewRouter wires the REST, health and metrics routes onto a gin engine.
func NewRouter(deps Deps, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	groupHandlers := NewGroupHandlers(deps.Groups, logger)
	messageHandlers := NewMessageHandlers(deps.Relay, logger)

	api := router.Group("/api")
	{
		api.POST("/groups", groupHandlers.CreateGroup)
		api.GET("/groups/:groupId", groupHandlers.GetGroup)
		api.POST("/groups/:groupId/members", groupHandlers.AddMember)
		api.POST("/groups/:groupId/messages", messageHandlers.SendMessage)
	}

	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
