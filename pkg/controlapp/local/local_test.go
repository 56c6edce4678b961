package local

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/pkg/status"
	"github.com/R3E-Network/iorate/pkg/wire"
)

type fakeCoreClient struct {
	called bool
	fail   bool
}

func (f *fakeCoreClient) ConnectStageToGlobal(_ context.Context, localAddress, stageName string, env int32, user string) status.Status {
	f.called = true
	if f.fail {
		return status.Errorf("boom")
	}
	return status.OK()
}

// fakeStage drives the stage side of net.Pipe through a full bring-up:
// handshake, two housekeeping installs, stage-ready.
func fakeStage(t *testing.T, conn net.Conn) {
	t.Helper()
	// STAGE_HANDSHAKE
	_, err := wire.ReadControlOperation(conn)
	require.NoError(t, err)
	hs := wire.NewStageSimplifiedHandshake("tensor", 1, 100, 1, "host", "alice")
	require.NoError(t, wire.WritePayload(conn, hs))

	// CREATE_HSK_RULE x2 (create_channel, create_object)
	for i := 0; i < 2; i++ {
		_, err := wire.ReadControlOperation(conn)
		require.NoError(t, err)
		buf := make([]byte, 64)
		_, _ = conn.Read(buf) // drain fixed housekeeping payload
		require.NoError(t, wire.WriteACK(conn, wire.ACK{Message: wire.AckOK}))
	}

	// STAGE_READY
	_, err = wire.ReadControlOperation(conn)
	require.NoError(t, err)
	var ready wire.StageReadyPayload
	require.NoError(t, wire.ReadPayload(conn, &ready))
	require.NoError(t, wire.WriteACK(conn, wire.ACK{Message: wire.AckOK}))
}

func newTestApp(t *testing.T, core CoreClient) *App {
	t.Helper()
	app := New("local-1", core, logging.NewFromEnv("test"), nil)
	st := app.LocalHandshake([]string{"1|1|read|", "2|1|1|read|"})
	require.True(t, st.IsOK())
	return app
}

func TestHandleStageConnectionGraduatesOnSuccess(t *testing.T) {
	core := &fakeCoreClient{}
	app := newTestApp(t, core)

	clientConn, stageConn := net.Pipe()
	defer stageConn.Close()

	done := make(chan struct{})
	go func() {
		fakeStage(t, stageConn)
		close(done)
	}()

	app.HandleStageConnection(context.Background(), clientConn)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake stage did not complete handshake")
	}

	assert.True(t, core.called)
	assert.EqualValues(t, 1, app.activeStages.Load())

	stats := app.Statistics()
	assert.EqualValues(t, 1, stats["active_stages"])
}

func TestHandleStageConnectionFailsOnCoreRejection(t *testing.T) {
	core := &fakeCoreClient{fail: true}
	app := newTestApp(t, core)

	clientConn, stageConn := net.Pipe()
	defer stageConn.Close()

	done := make(chan struct{})
	go func() {
		fakeStage(t, stageConn)
		close(done)
	}()

	app.HandleStageConnection(context.Background(), clientConn)
	<-done

	assert.EqualValues(t, 0, app.activeStages.Load())
}

func TestCreateEnforcementRuleFanOutMath(t *testing.T) {
	app := newTestApp(t, &fakeCoreClient{})

	// manually register a stage session whose invoker always ACKs, to
	// isolate the fan-out arithmetic from the bring-up FSM.
	sawLimits := make(chan int64, 8)
	app.opToChannelObject = map[string][]channelObjectPair{
		"read": {{Channel: 1, Object: 1}, {Channel: 1, Object: 2}},
	}

	inv := &recordingInvoker{limits: sawLimits}
	sess := newRecordingSession(t, "tensor+1", inv)
	app.mu.Lock()
	app.stageSessions["tensor+1"] = sess
	app.mu.Unlock()

	st := app.CreateEnforcementRule(1, "tensor", "read", map[int32]int64{1: 500})
	require.True(t, st.IsOK())

	close(sawLimits)
	var got []int64
	for v := range sawLimits {
		got = append(got, v)
	}
	assert.ElementsMatch(t, []int64{250, 250}, got)
}

func TestCreateEnforcementRuleUnknownOperation(t *testing.T) {
	app := newTestApp(t, &fakeCoreClient{})
	st := app.CreateEnforcementRule(1, "tensor", "nonexistent", map[int32]int64{1: 500})
	assert.True(t, st.IsError())
}
