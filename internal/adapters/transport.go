package adapters

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ServicePoint tunes outbound connections to a partner.
type ServicePoint struct {
	ConnectionLimit int
	UseNagle        bool
	MaxIdleTime     time.Duration
	// ConnectionLeaseTimeout caps how long a connection may live; the HTTP
	// transport enforces it by closing idle connections on that period.
	ConnectionLeaseTimeout time.Duration
}

// NewTransport builds the shared partner transport. When tracing is enabled
// every request gets a client span and propagated trace headers.
func NewTransport(sp ServicePoint, tracing bool) (http.RoundTripper, func()) {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(!sp.UseNagle)
		}
		return conn, nil
	}
	if sp.ConnectionLimit > 0 {
		tr.MaxConnsPerHost = sp.ConnectionLimit
		tr.MaxIdleConnsPerHost = sp.ConnectionLimit
	}
	if sp.MaxIdleTime > 0 {
		tr.IdleConnTimeout = sp.MaxIdleTime
	}

	stop := func() {}
	if sp.ConnectionLeaseTimeout > 0 {
		done := make(chan struct{})
		ticker := time.NewTicker(sp.ConnectionLeaseTimeout)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					tr.CloseIdleConnections()
				}
			}
		}()
		stop = func() { close(done) }
	}

	var rt http.RoundTripper = tr
	if tracing {
		rt = otelhttp.NewTransport(tr)
	}
	return rt, stop
}
