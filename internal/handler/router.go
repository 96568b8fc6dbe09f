package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/broadcast"
	broadcastHandler "github.com/zhouzirui/carnage/backend/internal/handler/broadcast"
	"github.com/zhouzirui/carnage/backend/internal/handler/claude"
	"github.com/zhouzirui/carnage/backend/internal/handler/diag"
	"github.com/zhouzirui/carnage/backend/internal/handler/persona"
	"github.com/zhouzirui/carnage/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/carnage/backend/internal/middleware"
	personaModel "github.com/zhouzirui/carnage/backend/internal/model/persona"
	aiService "github.com/zhouzirui/carnage/backend/internal/service/ai"
	"github.com/zhouzirui/carnage/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/carnage/backend/internal/service/session"
)

// Services bundles the components the HTTP layer depends on.
type Services struct {
	Personas personaModel.Store
	Sessions *sessionService.Store
	Hub      *broadcast.Hub
	Auth     broadcast.Authorizer
	Gateway  *aiService.Gateway
	Relay    *relay.Service
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		diag.New(svc.Gateway.Configured, svc.Sessions, svc.Hub).RegisterRoutes(api)
		persona.New(svc.Personas).RegisterRoutes(api)
		session.New(svc.Sessions, svc.Relay, svc.Hub, logger).RegisterRoutes(api)
		claude.New(svc.Gateway, logger).RegisterRoutes(api)
		broadcastHandler.New(svc.Hub, svc.Auth, svc.Sessions, logger).RegisterRoutes(api)
	})

	return r
}
