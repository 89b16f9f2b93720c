package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/job"
	"github.com/lqh2307/tileserver-gl-sub003/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached tiles over HTTP (fetching missing tiles from configured origins)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().Int("max-concurrent-requests", 64, "Max in-flight tile requests")
	serveCmd.Flags().String("cache-control", "", "Cache-Control header for served tiles (empty disables)")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.max_concurrent_requests", "max-concurrent-requests")
	mustBind("serve.cache_control", "cache-control")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	addr := viper.GetString("serve.addr")
	maxConc := viper.GetInt("serve.max_concurrent_requests")
	cacheControl := viper.GetString("serve.cache_control")

	cat := newCatalog()

	// Sources with an origin URL in seed.json are served read-through.
	seedCfg, err := job.LoadSeedConfig(viper.GetString("data-dir"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		seedCfg = nil
	}

	ts := server.New(server.Config{
		Catalog:               cat,
		Seed:                  seedCfg,
		MaxConcurrentRequests: maxConc,
		CacheControl:          cacheControl,
	}, logger)
	defer ts.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/tiles/", server.WithCORS(ts.Handler()))

	logger.Info("tile server listening",
		"addr", addr,
		"data_dir", viper.GetString("data-dir"),
		"read_through", seedCfg != nil,
		"max_concurrent_requests", maxConc,
	)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
