package corelog

import (
	"context"
	"net"
	"net/http"
)

// HTTPServer wraps net/http.Server with ShutdownHelper-coordinated graceful
// shutdown. The supervisor uses one instance of this to serve the
// Prometheus /metrics endpoint on KERBSIDE_PROMETHEUS_METRICS_PORT.
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates an HTTPServer that will log through logger.
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown closes the listener, ending any in-progress Serve call.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("metrics http server shutting down")
	err := h.listener.Close()
	if err != nil {
		h.DLogf("metrics http server: close of listener failed, ignoring: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe binds addr and serves handler until ctx is cancelled or
// Shutdown is called, whichever comes first.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.ELogErrorf("metrics http server: listen on %s failed: %s", addr, err)
			}
			h.Handler = handler
			h.listener = l

			go func() {
				h.Shutdown(h.Serve(l))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown tears the server down and returns its final completion status.
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close is equivalent to Shutdown(nil).
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
