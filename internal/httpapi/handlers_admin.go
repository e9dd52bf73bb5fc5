package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nordwire/genroute/internal/events"
	"github.com/nordwire/genroute/internal/prompter"
	"github.com/nordwire/genroute/internal/store"
)

// DecisionsListHandler handles GET /admin/v1/decisions?limit=N&offset=N
func DecisionsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePagination(r)
		items, err := d.Store.ListDecisions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []store.DecisionRecord{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":  items,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// DecisionGetHandler handles GET /admin/v1/decisions/{contentID}
func DecisionGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentID := chi.URLParam(r, "contentID")
		rec, err := d.Store.GetDecision(r.Context(), contentID)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			jsonError(w, "decision not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	}
}

// RewardsListHandler handles GET /admin/v1/rewards?limit=N&offset=N
func RewardsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePagination(r)
		items, err := d.Store.ListRewards(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []store.RewardRecord{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":  items,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// RegressionsListHandler handles GET /admin/v1/regressions?limit=N&offset=N
func RegressionsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePagination(r)
		items, err := d.Store.ListRegressions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []store.RegressionRecord{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":  items,
			"limit":  limit,
			"offset": offset,
			"frozen": d.Cycle.Frozen(),
		})
	}
}

// AuditLogsHandler handles GET /admin/v1/audit?limit=N&offset=N
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := parsePagination(r)
		items, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []store.AuditEntry{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":  items,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// BudgetHandler handles GET /admin/v1/budget?from=YYYY-MM-DD. It returns the
// live directive state plus the persisted per-day ledger, defaulting to the
// current month.
func BudgetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from := r.URL.Query().Get("from")
		if from == "" {
			now := time.Now().UTC()
			from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
		}
		days, err := d.Store.BudgetDays(r.Context(), from)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if days == nil {
			days = []store.BudgetDayRecord{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": d.Calibrator.Evaluate(),
			"days":   days,
			"from":   from,
		})
	}
}

// armRow is one (bucket, provider) posterior in the arms dump.
type armRow struct {
	Bucket   string  `json:"bucket"`
	Provider string  `json:"provider"`
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	Mean     float64 `json:"mean"`
	Count    int     `json:"count"`
}

// BanditArmsHandler handles GET /admin/v1/policy/arms, dumping the installed
// bandit snapshot for inspection.
func BanditArmsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Bandit.Current()
		rows := make([]armRow, 0, len(snap.Arms))
		for key, post := range snap.Arms {
			rows = append(rows, armRow{
				Bucket:   key.Bucket,
				Provider: key.Provider,
				Alpha:    post.Alpha,
				Beta:     post.Beta,
				Mean:     post.Mean(),
				Count:    post.Count,
			})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Bucket != rows[j].Bucket {
				return rows[i].Bucket < rows[j].Bucket
			}
			return rows[i].Provider < rows[j].Provider
		})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"arms":          rows,
			"version":       snap.Version,
			"built_at":      snap.BuiltAt,
			"min_samples":   snap.MinSamples,
			"safe_provider": snap.SafeProvider,
			"frozen":        snap.Frozen,
		})
	}
}

// variantRow is one (category, variant) arm in the prompter dump.
type variantRow struct {
	Category string  `json:"category"`
	Variant  string  `json:"variant"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
}

// VariantStatsHandler handles GET /admin/v1/policy/variants.
func VariantStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Prompt.Current()
		var rows []variantRow
		for category, variants := range snap.Variants {
			for _, v := range variants {
				st := snap.Stats[prompter.VariantKey{Category: category, Variant: v}]
				rows = append(rows, variantRow{
					Category: category,
					Variant:  v,
					Count:    st.Count,
					Mean:     st.Mean(),
				})
			}
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Category != rows[j].Category {
				return rows[i].Category < rows[j].Category
			}
			return rows[i].Variant < rows[j].Variant
		})
		if rows == nil {
			rows = []variantRow{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"variants": rows,
			"epsilon":  snap.Epsilon,
			"version":  snap.Version,
			"frozen":   snap.Frozen,
		})
	}
}

// CycleRunHandler handles POST /admin/v1/learn/run. With a workflow engine
// connected the run goes through it, so manual and cron triggers share one
// execution history; otherwise the cycle runs in process. Overlapping
// triggers queue on the cycle's internal lock either way.
func CycleRunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.CycleTrigger != nil {
			result, err := d.CycleTrigger.TriggerCycle(r.Context(), middleware.GetReqID(r.Context()))
			if err != nil {
				jsonError(w, "cycle error: "+err.Error(), http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(result)
			return
		}
		summary, err := d.Cycle.RunOnce(r.Context())
		if err != nil {
			jsonError(w, "cycle error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// FreezeHandler handles POST /admin/v1/learn/freeze, suspending exploration
// on both policies at the next snapshot rebuild.
func FreezeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Cycle.SetManualFreeze(r.Context(), true, middleware.GetReqID(r.Context()))
		_ = json.NewEncoder(w).Encode(map[string]any{"frozen": d.Cycle.Frozen()})
	}
}

// UnfreezeHandler handles DELETE /admin/v1/learn/freeze. It lifts the manual
// freeze and acknowledges any regression freeze; the operator is asserting
// the regression has been dealt with.
func UnfreezeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		d.Cycle.SetManualFreeze(r.Context(), false, reqID)
		d.Cycle.ClearRegressionFreeze(r.Context(), reqID)
		_ = json.NewEncoder(w).Encode(map[string]any{"frozen": d.Cycle.Frozen()})
	}
}

// ConfigReloadHandler handles POST /admin/v1/config/reload.
func ConfigReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Reload == nil {
			jsonError(w, "reload not configured", http.StatusNotImplemented)
			return
		}
		if err := d.Reload(); err != nil {
			jsonError(w, "reload failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
			Timestamp: time.Now().UTC(),
			Action:    "config.reload",
			RequestID: middleware.GetReqID(r.Context()),
		}))
		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{Type: events.EventConfigReloaded})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}
