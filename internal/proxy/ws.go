package proxy

import (
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"github.com/relaymesh/relay-gateway/internal/session"
	"github.com/relaymesh/relay-gateway/pkg/apierr"
)

// handleChannel is the registration handshake: GET /ws?key=<ClientKey>.
// The key is validated before the upgrade so a rejected client gets a proper
// HTTP error instead of a dropped socket.
func (g *Gateway) handleChannel(ctx *fasthttp.RequestCtx) {
	key := string(ctx.QueryArgs().Peek("key"))
	if len(key) < g.minKeyLen {
		apierr.WriteUnauthorized(ctx, "invalid client key", apierr.CodeInvalidAPIKey)
		return
	}

	err := g.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		ch := session.NewWSChannel(conn, g.log)
		g.registry.Register(key, ch)
		g.syncChannelGauge()
		defer func() {
			g.registry.Unregister(key, ch)
			g.syncChannelGauge()
		}()

		// The read pump owns the connection; hold the handshake handler open
		// until the remote end goes away.
		<-ch.Done()
	})
	if err != nil {
		g.log.Debug("proxy.upgrade_failed",
			"key", session.ObfuscateKey(key),
			"error", err,
		)
	}
}

func (g *Gateway) syncChannelGauge() {
	if g.metrics != nil {
		g.metrics.SetActiveChannels(g.registry.Count())
	}
}

// handleHealth reports the engine/model health snapshot plus session count.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(g.startedAt).Seconds()),
		"sessions":       g.registry.Count(),
	}
	if g.engine != nil {
		snap := g.engine.Snapshot()
		resp["models"] = snap.Models
		resp["engines"] = snap.Engines
		if snap.BestModel != "" {
			resp["best_model"] = snap.BestModel
		}
	}
	writeJSON(ctx, resp)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	// The relay path has no hard external dependencies; serving traffic is
	// the readiness signal itself.
	writeJSON(ctx, map[string]string{"status": "ok"})
}
