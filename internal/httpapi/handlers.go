package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/graph"
	"github.com/shineum/mail-gateway/internal/parser"
)

type sendAccepted struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	msg, cleanup, err := parser.ParseSendForm(r)
	if err != nil {
		// A request the parser rejects is a caller mistake by definition.
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	defer cleanup()

	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	if err := s.mailer.Send(r.Context(), msg, s.config.SendOptions); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, sendAccepted{Status: "accepted", ID: msg.CorrelationID})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.mailer.Receive(r.Context(), r.URL.Query().Get("mailbox"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]email.InboundMessage{"messages": msgs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}

// writeError maps gateway errors onto HTTP statuses: caller mistakes to
// 400, upstream and auth failures to 502, everything else to a generic
// 500. Client disconnects produce no response at all.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *email.ValidationError
	var authErr *graph.AuthError
	var opErr *graph.OpError
	var upErr *graph.UploadError

	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, context.Canceled), errors.Is(r.Context().Err(), context.Canceled):
		s.logger.Info("request abandoned by client", "path", r.URL.Path)
	case errors.As(err, &authErr), errors.As(err, &opErr), errors.As(err, &upErr):
		s.logger.Error("upstream failure", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream mail backend failed"})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
