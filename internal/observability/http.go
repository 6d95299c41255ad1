package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the current metrics snapshot as JSON.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(metrics.Snapshot())
	})
}
