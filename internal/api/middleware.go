package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// requestLogger logs one line per request through zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// selectedProject writes a 400 and returns false when no project is selected.
func (s *Server) selectedProject(w http.ResponseWriter) (string, bool) {
	projectID, err := s.app.Prefs().SelectedProject()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Could not read selected project")
		return "", false
	}
	if projectID == "" {
		RespondWithError(w, http.StatusBadRequest, "No project selected")
		return "", false
	}
	return projectID, true
}
