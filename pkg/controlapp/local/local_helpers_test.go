package local

import (
	"context"
	"testing"

	"github.com/R3E-Network/iorate/pkg/session"
	"github.com/R3E-Network/iorate/pkg/stagenet"
	"github.com/R3E-Network/iorate/pkg/status"
)

// recordingInvoker is a stand-in stage peer used to isolate the fan-out
// arithmetic in CreateEnforcementRule from the real bring-up FSM.
type recordingInvoker struct {
	limits chan int64
}

func (r *recordingInvoker) Invoke(_ context.Context, req any) (any, status.Status) {
	sreq := req.(stagenet.Request)
	if sreq.Kind == stagenet.KindEnforcementRule {
		r.limits <- sreq.Enforcement.P1
	}
	return session.ACK{OK: true}, status.OK()
}

func newRecordingSession(t *testing.T, key string, inv session.Invoker) *session.Session {
	t.Helper()
	s := session.New(key, stagenet.Sentinel)
	s.Start(context.Background(), inv)
	return s
}
