package tlsterm

import _ "net/http/pprof"
import (
	"context"
	"io"
	"net"
	"net/http"

	"github.com/account-login/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func safeClose(ctx context.Context, closer io.Closer) {
	if err := closer.Close(); err != nil {
		ctxlog.Errorf(ctx, "close: %v", err)
	}
}

func dial(ctx context.Context, addr string, preferV4 bool) (conn net.Conn, err error) {
	d := &net.Dialer{Timeout: kDialTimeout}
	nets := []string{"tcp"}
	if preferV4 {
		nets = []string{"tcp4", "tcp"}
	}
	for _, network := range nets {
		if conn, err = d.DialContext(ctx, network, addr); err == nil {
			return
		}
		if len(nets) > 1 {
			ctxlog.Debugf(ctx, "try dial %s: %v", network, err)
		}
	}
	return
}

// StartDebugServer serves pprof under /debug/pprof/ and metrics from gatherer
// under /metrics.
func StartDebugServer(ctx context.Context, addr string, gatherer prometheus.Gatherer) (server *http.Server) {
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: kDebugReadTimeout}
	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			ctxlog.Errorf(ctx, "StartDebugServer: %v", err)
		}
	}()
	return
}
