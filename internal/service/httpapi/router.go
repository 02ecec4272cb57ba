// Package httpapi: HTTP-граница storefront: checkout, подтверждение оплаты,
// webhook процессора, заказы покупателя и отчёт сверки для операторов.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/health"
)

type route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
	Mw      []gin.HandlerFunc
}

// NewRouter собирает gin.Engine со всеми маршрутами. health может быть nil.
func NewRouter(h *Handler, auth *AuthMiddleware, healthHandler *health.Handler, logger *log.Entry) (*gin.Engine, error) {
	if err := RegisterValidators(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	engine := gin.New()
	engine.Use(Recovery(logger))
	engine.Use(RequestLogger(logger))
	engine.Use(ErrorHandler())

	if healthHandler != nil {
		engine.GET("/healthz", gin.WrapH(healthHandler))
		engine.GET("/readyz", gin.WrapF(healthHandler.ReadinessHandler))
		engine.GET("/livez", gin.WrapF(health.LivenessHandler))
	}

	addRoutes(&engine.RouterGroup, []route{
		{Method: http.MethodPost, Path: "/checkout", Handler: h.Checkout, Mw: []gin.HandlerFunc{auth.OptionalAuth()}},
		{Method: http.MethodPost, Path: "/checkout/confirm", Handler: h.Confirm},
		{Method: http.MethodPost, Path: "/webhooks/payment", Handler: h.Webhook},
	})

	orders := engine.Group("/orders")
	orders.Use(auth.RequireAuth())
	addRoutes(orders, []route{
		{Method: http.MethodGet, Path: "", Handler: h.ListOrders},
		{Method: http.MethodGet, Path: "/:id", Handler: h.GetOrder},
	})

	admin := engine.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole(RoleAdmin))
	addRoutes(admin, []route{
		{Method: http.MethodGet, Path: "/reconciliation", Handler: h.Reconciliation},
	})

	engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, http.StatusNotFound, "not_found", nil, "route not found", nil)
	})

	return engine, nil
}

func addRoutes(g *gin.RouterGroup, rs []route) {
	for _, r := range rs {
		handlers := append(append([]gin.HandlerFunc{}, r.Mw...), r.Handler)
		g.Handle(r.Method, r.Path, handlers...)
	}
}
