package router

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/pprofhandler"

	apiHandler "github.com/fastygo/chatcrm/api/handler"
)

type Handlers struct {
	CRM     *apiHandler.CRMHandler
	Stream  *apiHandler.StreamHandler
	Health  *apiHandler.HealthHandler
	Metrics fasthttp.RequestHandler
	Pprof   bool
}

func New(handlers Handlers, authMiddleware func(fasthttp.RequestHandler) fasthttp.RequestHandler) *router.Router {
	r := router.New()

	r.GET("/health", handlers.Health.Check)
	if handlers.Metrics != nil {
		r.GET("/metrics", handlers.Metrics)
	}
	if handlers.Pprof {
		r.GET("/debug/pprof/{profile:*}", pprofhandler.PprofHandler)
	}

	// Protected routes
	r.GET("/api/v1/actions", authMiddleware(handlers.CRM.ListActions))
	r.POST("/api/v1/actions", authMiddleware(handlers.CRM.SubmitAction))

	r.GET("/api/v1/entities", authMiddleware(handlers.CRM.ListEntities))
	r.GET("/api/v1/entities/{id}", authMiddleware(handlers.CRM.GetEntity))
	r.GET("/api/v1/entities/{id}/events", authMiddleware(handlers.CRM.GetAuditTrail))

	r.GET("/api/v1/events", authMiddleware(handlers.CRM.ListEvents))
	r.GET("/api/v1/events/stream", authMiddleware(handlers.Stream.Stream))
	r.POST("/api/v1/events/{id}/rollback", authMiddleware(handlers.CRM.Rollback))

	r.GET("/api/v1/conversations/{id}/context", authMiddleware(handlers.CRM.ConversationContext))

	return r
}
