package telemetry

import "testing"

func TestRegistryDomainCounters(t *testing.T) {
	r := NewRegistry()
	r.IncSaveAccepted(3)
	r.IncSaveForbidden()
	r.IncSaveTransportFailed()
	r.AddActiveSubscriptions(2)
	r.SetForkPending(5)

	snap := r.DomainSnapshot()
	if snap.SavesAccepted != 3 {
		t.Fatalf("expected 3 saves accepted, got %d", snap.SavesAccepted)
	}
	if snap.SavesForbidden != 1 {
		t.Fatalf("expected 1 save forbidden, got %d", snap.SavesForbidden)
	}
	if snap.SavesTransportFailed != 1 {
		t.Fatalf("expected 1 save transport failure, got %d", snap.SavesTransportFailed)
	}
	if snap.ActiveSubscriptions != 2 {
		t.Fatalf("expected 2 active subscriptions, got %d", snap.ActiveSubscriptions)
	}
	if snap.ForkPending != 5 {
		t.Fatalf("expected fork pending 5, got %d", snap.ForkPending)
	}
}

func TestRegistryTracksHTTPEndpointStats(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /health", 200, 0)
	snap := r.DomainSnapshot()
	if snap.Endpoints.Endpoints["GET /health"].Count != 1 {
		t.Fatalf("expected embedded endpoint registry to record the request")
	}
}
