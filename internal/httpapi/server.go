package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Server owns the public JSON API. Handlers mount themselves on a
// caller-provided mux so the API can share a listener with middleware.
type Server struct {
	search  *SearchHandler
	context *ContextHandler
	logger  *zap.Logger
}

// NewServer wires the API handlers together
func NewServer(search *SearchHandler, context *ContextHandler, logger *zap.Logger) *Server {
	return &Server{search: search, context: context, logger: logger}
}

// RegisterRoutes mounts every API endpoint on mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.search.RegisterRoutes(mux)
	s.context.RegisterRoutes(mux)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError emits the API error shape: {"detail": reason}
func writeError(w http.ResponseWriter, logger *zap.Logger, status int, detail string) {
	writeJSON(w, logger, status, map[string]string{"detail": detail})
}
