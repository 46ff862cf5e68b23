package app

import (
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"chillspace/pkg/state/logger"
)

// healthzHandlerFast handles the /healthz endpoint.
func (a *App) healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString("{\"status\":\"ok\",\"backend\":\"" + a.cfg.Backend.Kind + "\"}")
}

// startMetrics serves /metrics and /healthz on addr. Callers hold a.mu.
func (a *App) startMetrics(addr string) error {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metrics(ctx)
		case "/healthz":
			a.healthzHandlerFast(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetContentType("application/json")
			_, _ = ctx.WriteString("{\"error\":\"not found\"}")
		}
	}

	const (
		readTimeout  = 10 * time.Second
		writeTimeout = 10 * time.Second
		idleTimeout  = 30 * time.Second
	)
	a.srvFast = &fasthttp.Server{
		Handler:           handler,
		Name:              "chillspace",
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReduceMemoryUsage: true,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	a.metricsLn = ln.Addr().String()
	logger.Info("metrics_listening", "addr", a.metricsLn)
	srv := a.srvFast
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("metrics_server_failed", "error", err)
			select {
			case a.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// MetricsAddr is the address the metrics endpoint is bound to, or "" when
// it is disabled.
func (a *App) MetricsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsLn
}
