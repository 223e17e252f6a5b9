package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/musterhub/hub/internal/capability"
	"github.com/musterhub/hub/internal/chain"
	"github.com/musterhub/hub/internal/connection"
	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/internal/hubconfig"
	"github.com/musterhub/hub/internal/hubsink"
	"github.com/musterhub/hub/internal/metatools"
	"github.com/musterhub/hub/internal/virtualendpoint"
	"github.com/musterhub/hub/pkg/logging"
)

var (
	serveDebug     bool
	serveYolo      bool
	serveConfig    string
	serveListen    string
	serveTransport string
	serveMetaOnly  bool
)

// serveCmd starts the hub: it loads and watches the backend configuration,
// connects to every configured backend, builds the capability index, and
// exposes the virtual MCP endpoint over the chosen transport.
//
// Grounded on the teacher's cmd/serve.go command shape (debug/yolo flags,
// RunE wiring a long-lived application), with app.NewConfig/app.NewApplication
// replaced by direct construction of this hub's own collaborators since
// internal/app's ServiceClass/workflow bootstrapping has no equivalent here.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP hub",
	Long: `Starts the hub: connects to every backend MCP server named in the backend
configuration file, aggregates their tools, resources and prompts into one
namespaced union, and exposes that union as a single virtual MCP endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveYolo, "yolo", false, "Auto-grant approval for chains that call write-marked tools")
	serveCmd.Flags().StringVar(&serveConfig, "config", "backends.yaml", "Path to the backend configuration file")
	serveCmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:8090", "Listen address for HTTP-based transports")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "streamableHttp", "Transport to serve the virtual endpoint on: stdio, httpSse, streamableHttp")
	serveCmd.Flags().BoolVar(&serveMetaOnly, "meta-only", false, "Expose only the meta-tools; never register namespaced backend capabilities directly")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveDebug {
		logging.Init(logging.LevelDebug, os.Stderr)
	}

	transport, err := parseTransport(serveTransport)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := hub.SystemClock{}
	random := hub.SystemRandom{}
	sink := hubsink.New()
	credentials := hubconfig.EnvCredentials{}

	selfAddr := ""
	if transport != hub.TransportStdio {
		selfAddr = fmt.Sprintf("http://%s", serveListen)
	}

	manager := connection.New(selfAddr, sink, clock, random)
	idx := capability.New()

	exec := chain.NewExecutor(connection.Caller{Manager: manager}, sink, clock)
	if !serveYolo {
		exec.SetWriteOpChecker(idx.ToolIsWriteOp)
	}

	rebuild := func() {
		var snapshots []capability.BackendSnapshot
		for _, conn := range manager.List() {
			h := conn.Handshake()
			snapshots = append(snapshots, capability.BackendSnapshot{
				Name:              conn.Name(),
				Connected:         conn.State() == hub.StateConnected || conn.State() == hub.StateDegraded,
				Disabled:          conn.State() == hub.StateDisabled,
				SelfReference:     conn.FailureReason() == hub.FailureSelfReference,
				Tools:             h.Tools,
				Resources:         h.Resources,
				ResourceTemplates: h.ResourceTemplates,
				Prompts:           h.Prompts,
			})
		}
		idx.Rebuild(snapshots)
	}
	manager.OnChanged(rebuild)

	meta := metatools.NewProvider(metatools.Config{
		Index:    idx,
		Manager:  manager,
		Executor: exec,
		Sink:     sink,
		Clock:    clock,
	})

	endpoint := virtualendpoint.New(virtualendpoint.Config{
		Index:     idx,
		Manager:   manager,
		Sink:      sink,
		Clock:     clock,
		MetaOnly:  serveMetaOnly,
		MetaTools: meta,
	})
	defer endpoint.Stop()

	onDiff := func(diff hubconfig.Diff) {
		for _, cfg := range diff.Added {
			if err := manager.Add(ctx, cfg); err != nil {
				logging.Error("serve", err, "adding backend %s", cfg.Name)
			}
		}
		for _, cfg := range diff.Changed {
			if err := manager.Add(ctx, cfg); err != nil {
				logging.Error("serve", err, "reloading backend %s", cfg.Name)
			}
		}
		for _, name := range diff.Removed {
			manager.Remove(name)
			idx.ReleaseBackend(name)
		}
	}

	watcher := hubconfig.NewWatcher(serveConfig, credentials, onDiff)
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("loading backend config %s: %w", serveConfig, err)
	}
	defer watcher.Stop()

	manager.StartAll(ctx)

	logging.Info("serve", "hub listening on %s transport=%s meta-only=%v", serveListen, transport, serveMetaOnly)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- endpoint.Serve(ctx, virtualendpoint.ServeOptions{Transport: transport, Addr: serveListen})
	}()

	select {
	case <-ctx.Done():
		manager.StopAll()
		endpoint.StopServing(context.Background())
		return nil
	case err := <-serveErrCh:
		if err == nil && transport != hub.TransportStdio {
			// HTTP transports return from Serve once their listeners are started.
			<-ctx.Done()
		}
		manager.StopAll()
		endpoint.StopServing(context.Background())
		return err
	}
}

func parseTransport(s string) (hub.TransportKind, error) {
	switch hub.TransportKind(s) {
	case hub.TransportStdio, hub.TransportHTTPSSE, hub.TransportStreamableHTTP:
		return hub.TransportKind(s), nil
	default:
		return "", fmt.Errorf("unknown transport %q (want stdio, httpSse, or streamableHttp)", s)
	}
}
