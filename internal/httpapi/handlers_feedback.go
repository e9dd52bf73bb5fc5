package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nordwire/genroute/internal/collector"
)

// FeedbackRequest is the JSON body for the /v1/feedback endpoint.
type FeedbackRequest struct {
	ContentID string          `json:"content_id"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FeedbackHandler handles POST /v1/feedback. Ingestion is idempotent on
// (content_id, source): producers may retry freely, duplicates are
// acknowledged without effect. Accepted events are picked up by the next
// learning cycle, so the response is always 202.
func FeedbackHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		stored, err := d.Collector.Ingest(r.Context(), req.ContentID, req.Source, req.Payload)
		if err != nil {
			if errors.Is(err, collector.ErrInvalid) {
				jsonError(w, err.Error(), http.StatusBadRequest)
			} else {
				jsonError(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted":  true,
			"duplicate": !stored,
		})
	}
}
