// ABOUTME: Call contract for the external agent dispatch runtime.
// ABOUTME: Normalized requests, streamed reply chunks, run bookkeeping.

package dispatch

import (
	"context"
	"sync"
)

// Request is the normalized message context handed to the agent runtime.
type Request struct {
	// Text is the raw user text.
	Text string

	// AnnotatedText is the timestamp-annotated variant given to the agent.
	AnnotatedText string

	// SessionKey identifies the conversation (agent:<agent>:<conversation>).
	SessionKey string

	// Channel tags the origin of the request.
	Channel string

	// CorrelationID ties the request to its acknowledgment; it doubles as
	// the run identifier for synchronous dispatches.
	CorrelationID string
}

// ChunkKind discriminates streamed reply chunks.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkDone
	ChunkError
)

// Chunk is one streamed piece of agent output. The channel is closed after
// a ChunkDone or ChunkError.
type Chunk struct {
	Kind ChunkKind
	Text string
	Err  string
}

// Dispatcher is the agent runtime collaborator. Dispatch returns a channel
// of reply chunks; failures surface as a ChunkError (or an immediate error
// return) and must never crash the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// ActiveSet tracks run identifiers currently served by the request/response
// path, so the proactive forwarder can suppress events that are already
// streaming over the originating connection.
type ActiveSet struct {
	mu   sync.RWMutex
	runs map[string]struct{}
}

// NewActiveSet creates an empty set.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{runs: make(map[string]struct{})}
}

// Mark records runID as actively dispatching.
func (s *ActiveSet) Mark(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = struct{}{}
}

// Unmark removes runID.
func (s *ActiveSet) Unmark(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// Contains reports whether runID is actively dispatching.
func (s *ActiveSet) Contains(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runID]
	return ok
}

// Reset clears the set. Intended for shutdown and test isolation.
func (s *ActiveSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]struct{})
}

// TextFromEvent resolves the text carried by an assistant event payload.
// Streaming deltas arrive under "delta"; complete messages under "text".
// Returns "" when the payload has neither.
func TextFromEvent(data map[string]any) string {
	if data == nil {
		return ""
	}
	if delta, ok := data["delta"].(string); ok && delta != "" {
		return delta
	}
	if text, ok := data["text"].(string); ok {
		return text
	}
	return ""
}
