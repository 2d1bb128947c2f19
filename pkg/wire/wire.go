// Package wire implements the HTTP surface a factum process exposes to
// remote peers: outbound save, feed streaming, and reference-closure
// load, plus the client side that speaks the same contract.
package wire

import "factum/pkg/fact"

// FeedStreamMediaType is the Accept header a feed streaming request must
// carry. Named for this fact store rather than for the system it was
// modeled on.
const FeedStreamMediaType = "application/x-factum-feed-stream"

// POST /facts takes a bare JSON array of envelopes as its body. That same
// array is also the evidence bundle authorization evaluates against: a
// submitted batch is topologically self-contained, so every predecessor a
// new fact needs is already stored or present earlier in the same array.

// LoadRequest is the JSON body of POST /load.
type LoadRequest struct {
	References []fact.Reference `json:"references"`
}

// LoadResponse is the JSON body POST /load returns.
type LoadResponse struct {
	Envelopes []fact.Envelope `json:"envelopes"`
}

// FeedLine is one line of a GET /feeds/{name} NDJSON stream.
type FeedLine struct {
	References []fact.Reference `json:"references"`
	Bookmark   string           `json:"bookmark"`
}
