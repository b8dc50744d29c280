// It defines the gateway server, sets up the routes using chi, and links
// them to the handler functions.

package api

import (
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/policypulse/policypulse-go/internal/assets"
	"github.com/policypulse/policypulse-go/internal/core"
)

// Server holds the dependencies for the gateway.
type Server struct {
	app *core.App
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{app: app}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/api", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/version", s.handleGetVersion)

			r.Get("/project", s.handleGetProject)
			r.Put("/project", s.handleSetProject)
			r.Get("/projects", s.handleListProjects)
			r.Post("/projects", s.handleCreateProject)

			r.Get("/steps", s.handleListSteps)
			r.Post("/steps", s.handleCreateStep)
			r.Route("/steps/{stepID}", func(r chi.Router) {
				r.Put("/", s.handleUpdateStep)
				r.Delete("/", s.handleDeleteStep)
				r.Get("/progress", s.handleGetProgress)
				r.Get("/summary", s.handleGetSummary)
				r.Post("/reprocess", s.handleReprocess)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Delete("/results", s.handleDeleteResults)
			})

			r.Get("/documents", s.handleListDocuments)
			r.Get("/documents/{documentID}/results", s.handleDocumentResults)
			r.Post("/documents/{documentID}/reprocess-basic", s.handleReprocessBasic)
			r.Post("/documents/reprocess-basic", s.handleBulkReprocessBasic)
			r.Get("/analytics", s.handleAnalytics)
			r.Get("/uploads", s.handleListUploads)

			r.Get("/jobs/status", s.handleGetJobsStatus)
			r.Post("/jobs/run", s.handleRunJob)
		})
	})

	// The websocket outlives any request timeout.
	r.Get("/ws/progress", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})

	webSubFS, err := fs.Sub(assets.WebFS, "web")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create web sub-filesystem")
	}
	serveHTML := func(fileName string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			file, err := webSubFS.Open(fileName)
			if err != nil {
				log.Error().Err(err).Str("file", fileName).Msg("error serving embedded file")
				http.NotFound(w, r)
				return
			}
			defer file.Close()
			http.ServeContent(w, r, fileName, time.Time{}, file.(io.ReadSeeker))
		}
	}
	r.Get("/", serveHTML("index.html"))

	return r
}
