// Package wire implements the southbound byte-stream framing between a
// local controller and one co-located data-plane stage (spec.md §4.2,
// §6 "Southbound"). Every exchange is a fixed ControlOperation header
// followed by an operation-specific fixed-width payload; responses are
// either a fixed ACK or a typed payload. Because the control and data
// plane are co-located on the same loopback socket, all integers are
// encoded little-endian (this repo's stand-in for "native byte order" on
// the x86_64/arm64 hosts this control plane targets).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// byteOrder is the wire's fixed "native" order; see package doc.
var byteOrder = binary.LittleEndian

// OpType enumerates the southbound operations of spec.md §4.2's table.
type OpType int32

const (
	OpStageHandshake OpType = iota + 1
	OpStageHandshakeInfo
	OpStageReady
	OpCreateHskRule
	OpCreateEnfRule
	OpCollectGlobalStats
	OpCollectEntityStats
)

// ControlOperation is the fixed header prefixing every southbound
// exchange (spec.md §4.2, §6).
type ControlOperation struct {
	OpID      int32
	OpType    int32
	OpSubtype int32
	Size      int32
}

const controlOperationSize = 16

// ACK is the fixed-size response for operations with no typed payload.
// Message is 1 for ok, 0 for error (spec.md §6).
type ACK struct {
	Message int32
}

const ackSize = 4

// AckOK and AckError are the two valid ACK values.
const (
	AckError int32 = 0
	AckOK    int32 = 1
)

func (a ACK) IsOK() bool { return a.Message == AckOK }

const nameFieldSize = 64

// StageSimplifiedHandshake identifies the stage at bring-up (spec.md §4.2).
type StageSimplifiedHandshake struct {
	Name     [nameFieldSize]byte
	Env      int32
	Pid      int32
	Ppid     int32
	Hostname [nameFieldSize]byte
	User     [nameFieldSize]byte
}

// NewStageSimplifiedHandshake packs variable-length strings into the fixed
// wire struct, truncating any field that exceeds nameFieldSize.
func NewStageSimplifiedHandshake(name string, env, pid, ppid int32, hostname, user string) StageSimplifiedHandshake {
	h := StageSimplifiedHandshake{Env: env, Pid: pid, Ppid: ppid}
	putString(h.Name[:], name)
	putString(h.Hostname[:], hostname)
	putString(h.User[:], user)
	return h
}

func (h StageSimplifiedHandshake) NameString() string     { return getString(h.Name[:]) }
func (h StageSimplifiedHandshake) HostnameString() string { return getString(h.Hostname[:]) }
func (h StageSimplifiedHandshake) UserString() string     { return getString(h.User[:]) }

// HandshakeInfo tells the stage the endpoint to reconnect to for the
// enforcement channel (STAGE_HANDSHAKE_INFO, spec.md §4.2).
type HandshakeInfo struct {
	Address [nameFieldSize]byte
	Port    int32
}

func NewHandshakeInfo(address string, port int32) HandshakeInfo {
	h := HandshakeInfo{Port: port}
	putString(h.Address[:], address)
	return h
}

func (h HandshakeInfo) AddressString() string { return getString(h.Address[:]) }

// StageReadyPayload authorizes the stage to accept I/O.
type StageReadyPayload struct {
	Mark int32 // nonzero == true
}

// EnforcementRule is a per-stage rate assignment (spec.md §4.2, §6).
type EnforcementRule struct {
	RuleID  int64
	Channel int32
	Object  int32
	Op      int32
	P1      int64
	P2      int64
	P3      int64
}

// StatsGlobal is the stage's latest aggregated rate.
type StatsGlobal struct {
	TotalRate int64
}

const maxStatsEntities = 32

// StatsEntity is a stage's per-sub-entity rate list, encoded as a count
// followed by up to maxStatsEntities fixed entries.
type statsEntityEntry struct {
	Entity [nameFieldSize]byte
	Rate   int64
}

// WriteControlOperation writes the fixed header to w.
func WriteControlOperation(w io.Writer, op ControlOperation) error {
	return binary.Write(w, byteOrder, op)
}

// ReadControlOperation reads the fixed header from r. A short read is a
// fatal transport error for the current operation (spec.md §4.2).
func ReadControlOperation(r io.Reader) (ControlOperation, error) {
	var op ControlOperation
	if err := binary.Read(r, byteOrder, &op); err != nil {
		return ControlOperation{}, fmt.Errorf("wire: short read on control operation header: %w", err)
	}
	return op, nil
}

// WriteACK writes a fixed ACK payload.
func WriteACK(w io.Writer, ack ACK) error {
	return binary.Write(w, byteOrder, ack)
}

// ReadACK reads a fixed ACK payload. A short read is a fatal transport
// error.
func ReadACK(r io.Reader) (ACK, error) {
	var ack ACK
	if err := binary.Read(r, byteOrder, &ack); err != nil {
		return ACK{}, fmt.Errorf("wire: short read on ACK: %w", err)
	}
	return ack, nil
}

// WritePayload binary-encodes a fixed-width payload struct.
func WritePayload(w io.Writer, payload any) error {
	return binary.Write(w, byteOrder, payload)
}

// ReadPayload decodes a fixed-width payload struct, surfacing a short
// read as a transport error.
func ReadPayload(r io.Reader, payload any) error {
	if err := binary.Read(r, byteOrder, payload); err != nil {
		return fmt.Errorf("wire: short read on payload: %w", err)
	}
	return nil
}

// WriteStatsEntity encodes a map[string]int64 as a count-prefixed list of
// fixed entity/rate entries, truncated to maxStatsEntities.
func WriteStatsEntity(w io.Writer, entities map[string]int64) error {
	count := int32(len(entities))
	if int(count) > maxStatsEntities {
		count = maxStatsEntities
	}
	if err := binary.Write(w, byteOrder, count); err != nil {
		return err
	}
	var written int32
	for name, rate := range entities {
		if written >= count {
			break
		}
		var entry statsEntityEntry
		putString(entry.Entity[:], name)
		entry.Rate = rate
		if err := binary.Write(w, byteOrder, entry); err != nil {
			return err
		}
		written++
	}
	return nil
}

// ReadStatsEntity decodes the count-prefixed entity/rate list written by
// WriteStatsEntity.
func ReadStatsEntity(r io.Reader) (map[string]int64, error) {
	var count int32
	if err := binary.Read(r, byteOrder, &count); err != nil {
		return nil, fmt.Errorf("wire: short read on stats entity count: %w", err)
	}
	out := make(map[string]int64, count)
	for i := int32(0); i < count; i++ {
		var entry statsEntityEntry
		if err := binary.Read(r, byteOrder, &entry); err != nil {
			return nil, fmt.Errorf("wire: short read on stats entity %d: %w", i, err)
		}
		out[getString(entry.Entity[:])] = entry.Rate
	}
	return out, nil
}

func putString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}
