// Package stagenet implements the southbound stage interface: a
// request/response client speaking the framed byte-stream protocol of
// spec.md §4.2 to one co-located data-plane stage. A Client implements
// session.Invoker so it can drive a StageSession's worker directly.
package stagenet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/iorate/pkg/session"
	"github.com/R3E-Network/iorate/pkg/status"
	"github.com/R3E-Network/iorate/pkg/wire"
)

// Kind identifies which of spec.md §4.2's table rows a Request is.
type Kind int

const (
	KindStageHandshake Kind = iota + 1
	KindStageHandshakeInfo
	KindStageReady
	KindCreateChannel
	KindCreateObject
	KindEnforcementRule
	KindCollectGlobalStats
	KindCollectEntityStats
)

// Request is the southbound unit of work submitted to a StageSession.
// Unlike the northbound rule.Rule, it already carries wire-ready,
// lower-level fields (e.g. one enforcement request per (channel, object)
// pair, post-fan-out) since the stage protocol has no notion of jobs.
type Request struct {
	Kind Kind

	// Housekeeping (create_channel / create_object).
	ChannelID int32
	ObjectID  int32
	Operation string

	// STAGE_HANDSHAKE_INFO.
	Address string
	Port    int32

	// CREATE_ENF_RULE.
	Enforcement wire.EnforcementRule
}

// Client drives the southbound protocol over a single stage's stream
// socket. It is not safe for concurrent Invoke calls (spec.md §4.1:
// "at most one worker dequeues from submission_queue"), but the
// StageSession contract guarantees exactly one caller at a time.
type Client struct {
	conn net.Conn
	mu   sync.Mutex

	nextOpID atomic.Int32
}

// NewClient wraps an accepted stage connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Invoke implements session.Invoker, dispatching req to the matching
// southbound exchange.
func (c *Client) Invoke(_ context.Context, req any) (any, status.Status) {
	r, ok := req.(Request)
	if !ok {
		return nil, status.Errorf("stagenet: unexpected request type %T", req)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.Kind {
	case KindStageHandshake:
		return c.stageHandshake()
	case KindStageHandshakeInfo:
		return c.stageHandshakeInfo(r)
	case KindStageReady:
		return c.stageReady()
	case KindCreateChannel:
		return c.createChannel(r)
	case KindCreateObject:
		return c.createObject(r)
	case KindEnforcementRule:
		return c.enforcementRule(r)
	case KindCollectGlobalStats:
		return c.collectGlobalStats()
	case KindCollectEntityStats:
		return c.collectEntityStats()
	default:
		return nil, status.Errorf("stagenet: unknown request kind %d", r.Kind)
	}
}

func (c *Client) opID() int32 { return c.nextOpID.Add(1) }

func (c *Client) writeHeader(opType wire.OpType, subtype, size int32) error {
	return wire.WriteControlOperation(c.conn, wire.ControlOperation{
		OpID:      c.opID(),
		OpType:    int32(opType),
		OpSubtype: subtype,
		Size:      size,
	})
}

func (c *Client) stageHandshake() (any, status.Status) {
	if err := c.writeHeader(wire.OpStageHandshake, 0, 0); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: stage handshake write: %w", err))
	}
	var hs wire.StageSimplifiedHandshake
	if err := wire.ReadPayload(c.conn, &hs); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: stage handshake read: %w", err))
	}
	return session.StageHandshakeInfo{
		Name:     hs.NameString(),
		Env:      hs.Env,
		Pid:      hs.Pid,
		Ppid:     hs.Ppid,
		Hostname: hs.HostnameString(),
		User:     hs.UserString(),
	}, status.OK()
}

func (c *Client) stageHandshakeInfo(r Request) (any, status.Status) {
	payload := wire.NewHandshakeInfo(r.Address, r.Port)
	if err := c.writeFramed(wire.OpStageHandshakeInfo, 0, payload); err != nil {
		return nil, status.Error(err)
	}
	return c.readACK()
}

func (c *Client) stageReady() (any, status.Status) {
	payload := wire.StageReadyPayload{Mark: 1}
	if err := c.writeFramed(wire.OpStageReady, 0, payload); err != nil {
		return nil, status.Error(err)
	}
	return c.readACK()
}

func (c *Client) createChannel(r Request) (any, status.Status) {
	if err := c.writeHeader(wire.OpCreateHskRule, int32(KindCreateChannel), 0); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: create_channel header: %w", err))
	}
	// Operation name carried as a fixed 32-byte field.
	var buf [32]byte
	copy(buf[:], r.Operation)
	if err := wire.WritePayload(c.conn, struct {
		ChannelID int32
		Operation [32]byte
	}{ChannelID: r.ChannelID, Operation: buf}); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: create_channel payload: %w", err))
	}
	return c.readACK()
}

func (c *Client) createObject(r Request) (any, status.Status) {
	if err := c.writeHeader(wire.OpCreateHskRule, int32(KindCreateObject), 0); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: create_object header: %w", err))
	}
	var buf [32]byte
	copy(buf[:], r.Operation)
	if err := wire.WritePayload(c.conn, struct {
		ChannelID int32
		ObjectID  int32
		Operation [32]byte
	}{ChannelID: r.ChannelID, ObjectID: r.ObjectID, Operation: buf}); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: create_object payload: %w", err))
	}
	return c.readACK()
}

func (c *Client) enforcementRule(r Request) (any, status.Status) {
	if err := c.writeFramed(wire.OpCreateEnfRule, 0, r.Enforcement); err != nil {
		return nil, status.Error(err)
	}
	return c.readACK()
}

func (c *Client) collectGlobalStats() (any, status.Status) {
	if err := c.writeHeader(wire.OpCollectGlobalStats, 0, 0); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: collect_global_stats write: %w", err))
	}
	var stats wire.StatsGlobal
	if err := wire.ReadPayload(c.conn, &stats); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: collect_global_stats read: %w", err))
	}
	return session.StatGlobal{TotalRate: stats.TotalRate}, status.OK()
}

func (c *Client) collectEntityStats() (any, status.Status) {
	if err := c.writeHeader(wire.OpCollectEntityStats, 0, 0); err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: collect_entity_stats write: %w", err))
	}
	entities, err := wire.ReadStatsEntity(c.conn)
	if err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: collect_entity_stats read: %w", err))
	}
	return session.StatEntity{Entities: entities}, status.OK()
}

func (c *Client) writeFramed(opType wire.OpType, subtype int32, payload any) error {
	if err := c.writeHeader(opType, subtype, 0); err != nil {
		return fmt.Errorf("stagenet: header for op %d: %w", opType, err)
	}
	if err := wire.WritePayload(c.conn, payload); err != nil {
		return fmt.Errorf("stagenet: payload for op %d: %w", opType, err)
	}
	return nil
}

func (c *Client) readACK() (any, status.Status) {
	ack, err := wire.ReadACK(c.conn)
	if err != nil {
		return nil, status.Error(fmt.Errorf("stagenet: ack read: %w", err))
	}
	return session.ACK{OK: ack.IsOK()}, status.OK()
}

// Sentinel builds the session.SentinelFunc for stage sessions.
func Sentinel(req any) any {
	r, ok := req.(Request)
	if !ok {
		return session.ACK{OK: false}
	}
	switch r.Kind {
	case KindCollectGlobalStats:
		return session.StatGlobal{TotalRate: -1}
	case KindCollectEntityStats:
		return session.StatEntity{Entities: nil, Err: true}
	default:
		return session.ACK{OK: false}
	}
}
