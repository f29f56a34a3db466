package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/loomworks/loom/errors"
)

// handleInboundHook receives an external trigger on a webhook fragment.
// Auth, schema validation, and dispatch all happen inside the dispatcher;
// a rejected request creates no execution record.
func (s *Server) handleInboundHook(w http.ResponseWriter, r *http.Request) {
	fragment := r.PathValue("fragment")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, errors.NewValidationf("failed to read request body"))
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		payload = json.RawMessage(body)
	}

	e, err := s.dispatcher.DispatchWebhook(r.Context(), fragment, payload, r.Header)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": e.ID,
		"status":       string(e.Status),
	})
}
