package httpapi

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/atm_fieldops/backend/internal/config"
	"github.com/atm_fieldops/backend/internal/events"
	"github.com/atm_fieldops/backend/internal/http/handlers"
	"github.com/atm_fieldops/backend/internal/http/middleware"
	"github.com/atm_fieldops/backend/internal/metrics"
	"github.com/atm_fieldops/backend/internal/service"

	_ "github.com/atm_fieldops/backend/docs"
)

func Router(cfg config.Config, svc *service.TicketService, feed events.Feed, m *metrics.Metrics, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(m))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-Match", "X-Admin-Key", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "" || cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = splitOrigins(cfg.CORSAllowed)
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Service:        svc,
		Store:          svc.Store,
		Feed:           feed,
		Validator:      validator.New(),
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadSizeMB << 20,
	}

	r.GET("/healthz", h.Healthz)
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := r.Group("/api")
	api.Use(middleware.Timeout(cfg.RequestTimeout))
	{
		api.GET("/tickets", h.TicketsList)
		api.POST("/tickets", h.TicketCreate)
		api.GET("/tickets/:id", h.TicketDetails)
		api.PATCH("/tickets/:id", h.TicketPatch)
		api.GET("/tickets/:id/stage", h.TicketStage)
		api.POST("/tickets/:id/arrival", h.Arrival)
		api.POST("/tickets/:id/verification", h.Verification)
		api.POST("/tickets/:id/proof", h.Proof)
		api.POST("/tickets/:id/branch-confirmation", h.BranchConfirmation)

		api.GET("/engineers", h.EngineersList)
		api.PUT("/engineers/:id", h.EngineerUpsert)
		api.PATCH("/engineers/:id/position", h.EngineerPosition)
		api.PATCH("/engineers/:id/availability", h.EngineerAvailability)

		api.GET("/machines", h.MachinesList)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/machines", h.MachineRegister)
		admin.POST("/dispatch", h.Dispatch)
		admin.POST("/alerts", h.Alert)
		admin.POST("/tickets/:id/finalize", h.Finalize)
		admin.POST("/tickets/:id/escalate", h.Escalate)
		admin.POST("/tickets/:id/close", h.Close)
		admin.POST("/tickets/:id/reassign", h.Reassign)
		admin.POST("/engineers/:id/assign", h.AssignEngineer)
		admin.POST("/engineers/:id/release", h.ReleaseEngineer)
		admin.GET("/events", h.EventsRecent)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
