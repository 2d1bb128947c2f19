package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"factum/pkg/metrics"
)

// Registry is the operational counters surface pkg/wire's /metrics endpoint
// serves. It wraps the pack's request/latency Registry for the ambient
// endpoint stats every HTTP surface wants, and adds a small set of
// domain counters the fact store itself cares about, the same layering
// pkg/metrics.Registry uses for its own app-specific counters alongside
// the generic endpoint map.
type Registry struct {
	*metrics.Registry

	mu                   sync.RWMutex
	savesAccepted        int64
	savesForbidden       int64
	savesTransportFailed int64
	activeSubscriptions  int64
	forkPending          int64
}

func NewRegistry() *Registry {
	return &Registry{Registry: metrics.NewRegistry()}
}

func (r *Registry) IncSaveAccepted(n int) {
	r.mu.Lock()
	r.savesAccepted += int64(n)
	r.mu.Unlock()
}

func (r *Registry) IncSaveForbidden() {
	r.mu.Lock()
	r.savesForbidden++
	r.mu.Unlock()
}

func (r *Registry) IncSaveTransportFailed() {
	r.mu.Lock()
	r.savesTransportFailed++
	r.mu.Unlock()
}

func (r *Registry) AddActiveSubscriptions(delta int64) {
	r.mu.Lock()
	r.activeSubscriptions += delta
	r.mu.Unlock()
}

func (r *Registry) SetForkPending(n int) {
	r.mu.Lock()
	r.forkPending = int64(n)
	r.mu.Unlock()
}

// Snapshot is the counters registry's own JSON shape, separate from the
// embedded metrics.Snapshot so a /metrics client can read domain counters
// without needing to know about the generic endpoint map's field names.
type Snapshot struct {
	GeneratedAt          string            `json:"generated_at"`
	Endpoints            metrics.Snapshot  `json:"http"`
	SavesAccepted        int64             `json:"saves_accepted_total"`
	SavesForbidden       int64             `json:"saves_forbidden_total"`
	SavesTransportFailed int64             `json:"saves_transport_failed_total"`
	ActiveSubscriptions  int64             `json:"active_subscriptions"`
	ForkPending          int64             `json:"fork_pending"`
}

func (r *Registry) DomainSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            r.Registry.Snapshot(),
		SavesAccepted:        r.savesAccepted,
		SavesForbidden:       r.savesForbidden,
		SavesTransportFailed: r.savesTransportFailed,
		ActiveSubscriptions:  r.activeSubscriptions,
		ForkPending:          r.forkPending,
	}
}

// MetricsHandler serves the combined snapshot as JSON, the same shape
// metrics.Registry.Handler serves for the generic case.
func (r *Registry) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.DomainSnapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}
