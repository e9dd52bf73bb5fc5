package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nordwire/genroute/internal/routing"
)

// RouteHandler handles POST /v1/route. The body is a routing.RequestContext;
// the response is the finalized decision. Routing never fails: past its
// deadline the router answers with the cheapest provider.
func RouteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req routing.RequestContext
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := req.Validate(); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		decision := d.Router.Route(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(decision)
	}
}

// DirectiveHandler handles GET /v1/directive, exposing the current budget
// state so content producers can shed optional work before the router does.
func DirectiveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Calibrator.Evaluate())
	}
}
