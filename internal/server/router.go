package server

import (
	"net/http"

	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/aspect-build/caxe/internal/server/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(p *pipeline.Pipeline, eng *engine.Engine, cfg *Config, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.Default()
	r.Use(RequestID())

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins, []MethodScope{
			{Prefix: "/v1/verify", Methods: []string{http.MethodGet, http.MethodPost}},
			{Prefix: "/v1/reports/", Methods: []string{http.MethodPost}},
			{Prefix: "/v1/credentials", Methods: []string{http.MethodGet}},
			{Prefix: "/v1/pipeline/", Methods: []string{http.MethodGet}},
		}))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		// Verification, streamed
		v1.POST("/verify", handler.HandleVerify(p, cfg.KeepAliveInterval, cfg.MaxDocumentBytes))
		v1.GET("/verify", handler.HandleVerifyURL(p, cfg.KeepAliveInterval))

		// Attribute block for issuers
		v1.POST("/reports/saidify", handler.HandleSaidify(&http.Client{Timeout: cfg.FetchTimeout}, cfg.CredentialMediaType, cfg.Algorithm, cfg.MaxDocumentBytes))

		// Admin: verified credentials and scheduler state. Disabled without a token.
		if cfg.AdminToken != "" {
			admin := AdminAuth(cfg.AdminToken)
			v1.GET("/credentials", admin, handler.HandleListCredentials(eng))
			v1.GET("/credentials/:said", admin, handler.HandleGetCredential(eng))
			v1.GET("/pipeline/stats", admin, handler.HandlePipelineStats(p, eng))
		}
	}

	return r
}
