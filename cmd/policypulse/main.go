// Command policypulse runs the local gateway: it keeps the progress of every
// reprocessing job in sync with the backend and serves it to browsers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/api"
	"github.com/policypulse/policypulse-go/internal/core"
	"github.com/policypulse/policypulse-go/internal/jobs"
)

var version = "dev"

func main() {
	// Initialize the core application components
	app, err := core.New()
	if err != nil {
		log.Fatal().Err(err).Msg("fatal error during application setup")
	}
	app.Version = version

	if err := app.Start(); err != nil {
		app.Close()
		log.Fatal().Err(err).Msg("could not start background services")
	}

	// Pick up running steps right away instead of waiting for the schedule.
	if err := app.JobManager().RunJob(jobs.StepsSyncJob, app); err != nil {
		log.Warn().Err(err).Msg("initial steps sync did not start")
	}

	server := api.NewServer(app)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config().Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("version", version).Msg("starting gateway")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("could not start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Closes every event stream before the database goes away.
	app.Close()
	log.Info().Msg("gateway exiting")
}
