// Package session implements the producer/consumer queue pair that
// mediates every interaction with a local controller or stage (spec.md
// §3 "Session", §4.1). A Session decouples the control/feedback loop from
// network I/O: callers submit requests without blocking, a single worker
// drains them against a peer, and callers block on GetResult for the
// matching response. The request type is intentionally untyped (`any`):
// a core-held LocalSession submits northbound rule.Rule values, while a
// local-held StageSession submits the lower-level southbound requests
// defined by pkg/stagenet — both share the same queue-pair mechanics.
package session

import (
	"context"
	"sync/atomic"

	"github.com/R3E-Network/iorate/pkg/status"
)

// Result is a response pulled from a session's completion queue. Transport
// is true when the result is a sentinel standing in for a failed
// invocation (spec.md §4.1 "Failure semantics"); callers are expected to
// evict the session when Transport is true.
type Result struct {
	Value     any
	Transport bool
}

// Invoker is the typed peer interface a Session's worker drives: for a
// stage session this is the southbound byte-stream client
// (pkg/stagenet.Client); for a core-held LocalSession this is an
// HTTP-backed northbound client. Invoke must never panic; transport
// failures are reported via the returned status, and the Session worker
// translates them into a sentinel Result via SentinelFor.
type Invoker interface {
	Invoke(ctx context.Context, req any) (any, status.Status)
}

// SentinelFunc builds the distinguished "connection error" response for a
// request that failed with a transport error, so callers can interpret a
// failure without a type switch on the error itself (spec.md §4.1
// "Failure semantics", §9 "Sentinel response").
type SentinelFunc func(req any) any

// Session owns a submission queue (outbound requests) and a completion
// queue (responses), a liveness flag, and the single worker goroutine
// started by Start. FIFO correspondence holds between the two queues for
// any session whose worker has not yet been stopped (spec.md §3,
// Invariant 1).
type Session struct {
	Key string

	submission *queue
	completion *queue
	active     atomic.Bool
	done       chan struct{}
	sentinel   SentinelFunc
}

// New constructs an inactive Session; call Start to begin draining.
// sentinel builds the sentinel response for a request whose invocation
// failed; pass nil to always use a bare ACK{OK:false}.
func New(key string, sentinel SentinelFunc) *Session {
	if sentinel == nil {
		sentinel = func(any) any { return ACK{OK: false} }
	}
	return &Session{
		Key:        key,
		submission: newQueue(),
		completion: newQueue(),
		done:       make(chan struct{}),
		sentinel:   sentinel,
	}
}

// Start spawns the single worker that dequeues submitted requests,
// invokes peer for each, and enqueues the (possibly sentinel) result.
// Start is not idempotent; call it once per Session.
func (s *Session) Start(ctx context.Context, peer Invoker) {
	s.active.Store(true)
	go s.run(ctx, peer)
}

func (s *Session) run(ctx context.Context, peer Invoker) {
	defer close(s.done)
	defer s.completion.Close()

	for {
		req, ok := s.submission.Dequeue()
		if !ok {
			return
		}
		value, st := peer.Invoke(ctx, req)
		if st.IsError() {
			s.completion.Enqueue(Result{Value: s.sentinel(req), Transport: true})
			continue
		}
		s.completion.Enqueue(Result{Value: value})
	}
}

// Submit enqueues req for the worker to process. Submit never blocks; it
// returns Error once the session has been stopped (spec.md §4.1,
// "Cancellation").
func (s *Session) Submit(req any) status.Status {
	if !s.active.Load() {
		return status.Errorf("session %s: submit on stopped session", s.Key)
	}
	s.submission.Enqueue(req)
	return status.OK()
}

// GetResult blocks for the next completion. It returns Error once the
// session is stopped and both queues have drained.
func (s *Session) GetResult() (Result, status.Status) {
	item, ok := s.completion.Dequeue()
	if !ok {
		return Result{}, status.Errorf("session %s: closed", s.Key)
	}
	return item.(Result), status.OK()
}

// Stop idempotently deactivates the session: new submissions are
// rejected and the submission queue is closed so the worker drains any
// remaining requests, then closes the completion queue itself on exit
// (spec.md §4.1, Invariant 3). Stop does not block for the worker to
// finish; use Wait for that.
func (s *Session) Stop() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.submission.Close()
}

// Wait blocks until the worker goroutine has exited (both queues fully
// drained and closed).
func (s *Session) Wait() {
	<-s.done
}

// Active reports whether the session is still accepting submissions.
func (s *Session) Active() bool { return s.active.Load() }

// QueueDepth returns the current submission queue depth, for metrics.
func (s *Session) QueueDepth() int { return s.submission.Len() }

// ACK is the session-level response for operations whose wire reply is a
// bare acknowledgement (housekeeping install, stage ready, enforcement).
type ACK struct {
	OK bool
}

// StageHandshakeInfo is the decoded STAGE_HANDSHAKE response.
type StageHandshakeInfo struct {
	Name     string
	Env      int32
	Pid      int32
	Ppid     int32
	Hostname string
	User     string
}

// StatGlobal is the decoded COLLECT_GLOBAL_STATS response. TotalRate of
// -1 is the sentinel marking a transport failure (spec.md §4.1).
type StatGlobal struct {
	TotalRate int64
}

// StatEntity is the decoded COLLECT_ENTITY_STATS response.
type StatEntity struct {
	Entities map[string]int64
	Err      bool
}
