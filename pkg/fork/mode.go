// Package fork selects the write path a save takes: purely local, an
// inline remote attempt, or a durable outbox drained in the background.
// It also absorbs inbound envelopes streamed from a remote feed,
// deduplicating and persisting them the same way a local save would.
package fork

// Mode selects how Fork.Save treats the remote side of a write.
type Mode int

const (
	// PassThrough never contacts anything remote.
	PassThrough Mode = iota
	// Transient attempts the remote send inline with the local save and
	// surfaces any failure to the caller; nothing is retried.
	Transient
	// Persistent writes locally, enqueues into a durable outbox, and lets
	// a background loop drain it to the remote with retry.
	Persistent
)

func (m Mode) String() string {
	switch m {
	case PassThrough:
		return "pass-through"
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}
