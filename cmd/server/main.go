// Command server boots the media routing core: a Media Worker Pool, a
// Room Registry, the meeting Manager, the REST surface, and the
// WebSocket signaling gateway, then serves them on one http.ServeMux.
// Grounded on the teacher's main.go (fs := http.FileServer /
// http.HandleFunc / http.ListenAndServe), generalized from one flat
// handler file into wiring across the package split this module uses.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/meeting"
	"github.com/n0remac/meetcore/internal/mwp"
	"github.com/n0remac/meetcore/internal/registry"
	"github.com/n0remac/meetcore/internal/restapi"
	"github.com/n0remac/meetcore/internal/signaling"
)

func main() {
	logger := logging.New("server")
	cfg := config.Default()

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}

	var mgr *meeting.Manager

	pool, err := mwp.NewPool(runtime.NumCPU(), cfg, logger.With("mwp"), func(workerID string, meetingIDs []string) {
		if mgr != nil {
			mgr.HandleWorkerDeath(workerID, meetingIDs)
		}
	})
	if err != nil {
		log.Fatalf("mwp: %v", err)
	}
	defer pool.Close()

	var reg *registry.Registry
	if os.Getenv("REGISTRY_DISABLED") == "" {
		db, err := registry.Open(os.Getenv("REGISTRY_DSN"))
		if err != nil {
			logger.Warn("registry unavailable, running without shared state", map[string]any{"err": err.Error()})
		} else if r, err := registry.New(db, cfg, logger.With("registry"), nil); err != nil {
			logger.Warn("registry migration failed, running without shared state", map[string]any{"err": err.Error()})
		} else {
			reg = r
		}
	}

	mgr = meeting.NewManager(cfg, logger.With("manager"), pool, reg)

	gw := signaling.NewGateway(cfg, logger.With("signaling"), mgr)
	api := restapi.New(mgr, logger.With("rest"))

	mux := http.NewServeMux()
	gw.Mount(mux, "/ws")
	api.Mount(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", err, nil)
	}
}
