package virtualendpoint

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/pkg/logging"
)

// httpRuntime tracks the live transport server(s) so Endpoint.StopServing
// can shut them down cleanly.
type httpRuntime struct {
	httpServers []*http.Server
	sseServer   *mcpserver.SSEServer
	streamable  *mcpserver.StreamableHTTPServer
	stdioCancel context.CancelFunc
}

// ServeOptions configures how the Virtual MCP Endpoint is exposed.
type ServeOptions struct {
	Transport hub.TransportKind
	Addr      string // host:port for HTTP-based transports
}

// Serve starts the configured transport. For stdio it blocks until ctx is
// cancelled or the stdio loop errors; for HTTP-based transports it starts
// listeners in the background and returns immediately.
//
// Grounded on the teacher's AggregatorServer.Start, with OAuth-protected mux
// branching and CLI session-ID middleware dropped (spec non-goals).
func (e *Endpoint) Serve(ctx context.Context, opts ServeOptions) error {
	rt := &httpRuntime{}
	e.httpRuntime = rt

	switch opts.Transport {
	case hub.TransportStdio:
		stdioServer := mcpserver.NewStdioServer(e.mcpServer)
		runCtx, cancel := context.WithCancel(ctx)
		rt.stdioCancel = cancel
		return stdioServer.Listen(runCtx, os.Stdin, os.Stdout)

	case hub.TransportHTTPSSE:
		baseURL := fmt.Sprintf("http://%s", opts.Addr)
		sseServer := mcpserver.NewSSEServer(
			e.mcpServer,
			mcpserver.WithBaseURL(baseURL),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
		rt.sseServer = sseServer
		return e.serveHTTP(sseServer, opts.Addr)

	case hub.TransportStreamableHTTP:
		streamable := mcpserver.NewStreamableHTTPServer(e.mcpServer)
		rt.streamable = streamable
		return e.serveHTTP(streamable, opts.Addr)

	default:
		return fmt.Errorf("unsupported transport %q", opts.Transport)
	}
}

func (e *Endpoint) serveHTTP(handler http.Handler, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", handler)

	var systemdListeners []net.Listener
	if named, err := activation.ListenersWithNames(); err == nil {
		for name, ls := range named {
			logging.Debug("virtualendpoint", "systemd socket activation listeners for %s: %d", name, len(ls))
			systemdListeners = append(systemdListeners, ls...)
		}
	}

	if len(systemdListeners) > 0 {
		for i, l := range systemdListeners {
			srv := &http.Server{Handler: mux}
			e.httpRuntime.httpServers = append(e.httpRuntime.httpServers, srv)
			go func(s *http.Server, l net.Listener, idx int) {
				if err := s.Serve(l); err != nil && err != http.ErrServerClosed {
					logging.Error("virtualendpoint", err, "listener %d error", idx)
				}
			}(srv, l, i)
		}
		return nil
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	e.httpRuntime.httpServers = append(e.httpRuntime.httpServers, srv)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("virtualendpoint", err, "HTTP transport server error")
		}
	}()
	return nil
}

// StopServing shuts down whatever transport Serve started.
func (e *Endpoint) StopServing(ctx context.Context) {
	rt := e.httpRuntime
	if rt == nil {
		return
	}
	if rt.stdioCancel != nil {
		rt.stdioCancel()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, srv := range rt.httpServers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("virtualendpoint", "error shutting down HTTP server: %v", err)
		}
	}
}
