package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/luckiday/dreamgaussian-api/pkg/api"
	"github.com/luckiday/dreamgaussian-api/pkg/auth"
	"github.com/luckiday/dreamgaussian-api/pkg/cleanup"
	"github.com/luckiday/dreamgaussian-api/pkg/gateway"
	"github.com/luckiday/dreamgaussian-api/pkg/shutdown"
	tlsutil "github.com/luckiday/dreamgaussian-api/pkg/tls"
)

var serveNoWorker bool

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation API",
	Long: `Run the HTTP API that accepts generation requests, reports task status and
serves generated artifacts. Unless disabled, an in-process worker pool runs the
generation stages against the same store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not run the in-process worker pool")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context(), "server")
	if err != nil {
		return err
	}
	cfg := rt.cfg
	log := rt.logger

	ctx, cancel := rt.shutdown.Context(context.Background())
	defer cancel()

	keys, err := auth.NewKeyChecker(cfg.Server.APIKey, cfg.Server.APIKeyHash)
	if err != nil {
		return fmt.Errorf("invalid API key configuration: %w", err)
	}
	if !keys.Enabled() {
		log.Warn("API key not configured, generation endpoints are open")
	}

	if cfg.Worker.Enabled && !serveNoWorker {
		pool, err := rt.newPool(ctx)
		if err != nil {
			return err
		}
		rt.startPool(ctx, pool)
	} else {
		log.Info("In-process worker pool disabled, run 'dreamgen worker' against the same store")
	}

	if cfg.Cleanup.Enabled {
		mgr := cleanup.NewManager(rt.cfg.CleanupConfig(), rt.store, log)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = mgr.Run(ctx)
		}()
		rt.shutdown.Register("cleanup", shutdown.WaitFor(done))
	}

	var svcOpts []gateway.Option
	if rt.metrics != nil {
		svcOpts = append(svcOpts, gateway.WithObserver(rt.metrics))
	}
	svc := gateway.NewService(rt.registry, rt.resolver, rt.store, rt.store, log, svcOpts...)
	handler := api.NewHandler(svc, rt.resolver, rt.store, log)
	router := api.NewRouter(handler, api.RouterOptions{
		Keys:        keys,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tlsFiles := cfg.TLSFiles()
	if tlsFiles.Enabled() {
		srv.TLSConfig, err = tlsutil.LoadServerConfig(tlsFiles)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
	}
	// registered last so it drains first
	rt.shutdown.Register("http-server", shutdown.StopHTTPServer(srv))

	go func() {
		log.Info("API server listening", map[string]interface{}{
			"addr":      srv.Addr,
			"tls":       srv.TLSConfig != nil,
			"mtls":      tlsFiles.ClientCAFile != "",
			"variants":  svc.Variants(),
			"artifacts": rt.resolver.Dirs(),
		})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server error", map[string]interface{}{"error": err.Error()})
			rt.shutdown.Trigger()
		}
	}()

	rt.shutdown.Wait(cmd.Context())
	return rt.shutdown.Shutdown()
}
