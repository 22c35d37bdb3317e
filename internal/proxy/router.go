package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the routed request handler wrapped in the full middleware
// chain. The rate limiter sits innermost so blocked requests still carry
// request IDs, CORS and security headers.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleRelayCompletions)
	r.POST("/v2/chat/completions", g.handleEngineCompletions)
	r.POST("/v1/transcripts", g.handleTranscripts)
	r.GET("/ws", g.handleChannel)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// Routes from the previous deployment keep working via redirects.
	r.POST("/api/generate", redirectTo("/v1/chat/completions"))
	r.GET("/api/ws", redirectTo("/ws"))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		g.rateLimit,
	)
}

func redirectTo(target string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Redirect(target, fasthttp.StatusMovedPermanently)
	}
}

// NewServer returns a configured fasthttp server. Callers that need graceful
// shutdown drive Shutdown themselves.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(),
		ReadTimeout: 60 * time.Second,
		// No write timeout: streaming relay responses are open-ended; the
		// relay's own finalize cap and disconnect debounce bound them.
		IdleTimeout: 120 * time.Second,
	}
}

// Start runs the HTTP server on addr (e.g. ":8080") until it fails.
func (g *Gateway) Start(addr string) error {
	return g.NewServer().ListenAndServe(addr)
}
