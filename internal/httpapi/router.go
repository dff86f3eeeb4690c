// Package httpapi is the HTTP surface of the server: MCP over HTTP, a REST
// view of tools, feeds and the rule ledger, the well-known manifest, health
// and Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/health"
	"github.com/jmerrifield20/ilminate-mcp/internal/mcpbridge"
	"github.com/jmerrifield20/ilminate-mcp/internal/ruleledger"
	"github.com/jmerrifield20/ilminate-mcp/internal/threat"
	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
)

// maxBodyBytes bounds request bodies, matching the stdio message limit.
const maxBodyBytes = 1 << 20

// BackendHealth reports the latest backend probe.
type BackendHealth interface {
	Snapshot() health.Snapshot
}

// Deps are the components the router serves.
type Deps struct {
	MCP     *mcpbridge.Server
	Tools   mcpbridge.ToolProvider
	Feeds   FeedView
	Ledger  ruleledger.Ledger
	Backend BackendHealth // optional
}

// Options tune the router.
type Options struct {
	CORSOrigins  []string
	RateLimitRPS int // 0 disables rate limiting
}

// NewRouter builds the HTTP handler. ctx bounds background housekeeping.
func NewRouter(ctx context.Context, deps Deps, opts Options, logger *zap.Logger) http.Handler {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig(opts.CORSOrigins)))
	}
	router.Use(securityHeaders())
	router.Use(bodyLimit(maxBodyBytes))
	if opts.RateLimitRPS > 0 {
		router.Use(RateLimiter(ctx, opts.RateLimitRPS, opts.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", healthz(deps))
	router.GET("/metrics", MetricsHandler())
	router.GET("/.well-known/mcp-manifest.json", manifest(deps.Tools))

	v1 := router.Group("/api/v1")
	NewMCPHandler(deps.MCP, deps.Tools, logger).Register(router, v1)
	NewFeedHandler(deps.Feeds, logger).Register(v1)
	NewLedgerHandler(deps.Ledger, logger).Register(v1)

	return otelhttp.NewHandler(router, "ilminate-mcp")
}

// healthz reports process liveness; a degraded backend does not fail it
// since tools keep answering from heuristics.
func healthz(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": "ok", "version": mcpbridge.ServerVersion}
		if deps.Backend != nil {
			snap := deps.Backend.Snapshot()
			resp["backend"] = snap
			if !snap.Healthy {
				resp["status"] = "degraded"
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func manifest(tools mcpbridge.ToolProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "public, max-age=300")
		c.JSON(http.StatusOK, mcpmanifest.Manifest{
			SchemaVersion:    "1.0",
			Name:             mcpbridge.ServerName,
			Version:          mcpbridge.ServerVersion,
			Description:      "Email, domain and image threat detection with MITRE ATT&CK mapping and MCP threat-feed subscriptions.",
			Tools:            tools.Definitions(),
			Transports:       []string{"stdio", "http"},
			HeuristicsBundle: threat.BundleVersion(),
		})
	}
}
