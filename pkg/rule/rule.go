// Package rule implements the canonical '|'-delimited rule text grammar
// shared by the core, the local controllers, and (conceptually, since it is
// out of scope) the data-plane stage: housekeeping, handshake, telemetry,
// and enforcement rules are all produced and consumed as single-line
// strings so that a housekeeping rule generated by the core can be
// re-parsed verbatim by a stage written to the same grammar.
package rule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/R3E-Network/iorate/pkg/status"
)

// Op identifies the kind of rule encoded in a canonical string. The integer
// values are the first token of the encoded form and are part of the wire
// grammar: they must never be renumbered once stages depend on them.
type Op int

const (
	OpCreateChannel Op = iota + 1
	OpCreateObject
	OpStageHandshake
	OpStageReady
	OpLocalHandshake
	OpCollectGlobalStats
	OpCollectEntityStats
	OpEnforcement
)

func (o Op) String() string {
	switch o {
	case OpCreateChannel:
		return "create_channel"
	case OpCreateObject:
		return "create_object"
	case OpStageHandshake:
		return "stage_handshake"
	case OpStageReady:
		return "stage_ready"
	case OpLocalHandshake:
		return "local_handshake"
	case OpCollectGlobalStats:
		return "collect_global_stats"
	case OpCollectEntityStats:
		return "collect_entity_stats"
	case OpEnforcement:
		return "enforcement"
	default:
		return "unknown"
	}
}

// EnvRate is one (env, rate) pair of an enforcement rule's per-env limit
// list, encoded as the nested "env:rate*" sub-grammar.
type EnvRate struct {
	Env  int32
	Rate int64
}

// Rule is the in-memory decode of a canonical rule string. It is a tagged
// union realized as a flat struct (the Go idiom for small closed variant
// sets): Op selects which fields are meaningful, mirroring the spec's
// virtual-dispatch "Rule" hierarchy collapsed into a single decode of the
// canonical text form (see spec.md §9, "Virtual-dispatch Rule hierarchy").
type Rule struct {
	Op Op

	// Housekeeping (create_channel / create_object).
	ChannelID int32
	ObjectID  int32
	Operation string

	// Enforcement.
	RuleID    int64
	StageName string
	EnvRates  []EnvRate

	// LocalHandshake: the concatenated housekeeping rule strings the core
	// memoised from the housekeeping rules file.
	HousekeepingRules []string
}

const delim = "|"
const envRateDelim = "*"

// Encode renders r into its canonical '|'-delimited string form. Encode and
// Decode are exact inverses for every well-formed Rule (spec.md §8, "Rule
// codec round-trip").
func Encode(r Rule) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(r.Op)))
	b.WriteString(delim)

	switch r.Op {
	case OpCreateChannel:
		b.WriteString(strconv.Itoa(int(r.ChannelID)))
		b.WriteString(delim)
		b.WriteString(r.Operation)
		b.WriteString(delim)
	case OpCreateObject:
		b.WriteString(strconv.Itoa(int(r.ChannelID)))
		b.WriteString(delim)
		b.WriteString(strconv.Itoa(int(r.ObjectID)))
		b.WriteString(delim)
		b.WriteString(r.Operation)
		b.WriteString(delim)
	case OpStageHandshake, OpStageReady, OpCollectGlobalStats, OpCollectEntityStats:
		// header-only rules carry no payload tokens.
	case OpLocalHandshake:
		b.WriteString(strings.Join(r.HousekeepingRules, ";"))
		b.WriteString(delim)
	case OpEnforcement:
		b.WriteString(strconv.FormatInt(r.RuleID, 10))
		b.WriteString(delim)
		b.WriteString(r.StageName)
		b.WriteString(delim)
		b.WriteString(r.Operation)
		b.WriteString(delim)
		for _, er := range r.EnvRates {
			b.WriteString(strconv.Itoa(int(er.Env)))
			b.WriteString(":")
			b.WriteString(strconv.FormatInt(er.Rate, 10))
			b.WriteString(envRateDelim)
		}
		b.WriteString(delim)
	}
	return b.String()
}

// Decode parses a canonical rule string. It is permissive of trailing
// tokens (unknown extras are ignored) but returns a parse error when the
// token count for the identified Op is insufficient (spec.md §4.6).
func Decode(s string) (Rule, status.Status) {
	// Only the operation token is split eagerly; every op-specific decoder
	// below bounds its own split so that a variable-content final field
	// (e.g. local_handshake's embedded housekeeping-rule blob, which itself
	// contains '|') is never re-tokenized.
	idx := strings.Index(s, delim)
	var opToken, rest string
	if idx < 0 {
		opToken, rest = s, ""
	} else {
		opToken, rest = s[:idx], s[idx+1:]
	}
	if opToken == "" {
		return Rule{}, status.Errorf("rule: empty rule string")
	}
	// A single trailing '|' is tolerated (spec.md §4.6); strip exactly one
	// so the per-op bounded split below doesn't see a spurious empty field.
	rest = strings.TrimSuffix(rest, delim)

	opVal, err := strconv.Atoi(strings.TrimSpace(opToken))
	if err != nil {
		return Rule{}, status.Errorf("rule: non-numeric operation token %q: %w", opToken, err)
	}
	op := Op(opVal)

	switch op {
	case OpCreateChannel:
		fields := strings.SplitN(rest, delim, 2)
		if len(fields) < 2 {
			return Rule{}, status.Errorf("rule: create_channel requires channel+operation tokens, got %q", rest)
		}
		ch, err := strconv.Atoi(fields[0])
		if err != nil {
			return Rule{}, status.Errorf("rule: bad channel id %q: %w", fields[0], err)
		}
		return Rule{Op: op, ChannelID: int32(ch), Operation: fields[1]}, status.OK()

	case OpCreateObject:
		fields := strings.SplitN(rest, delim, 3)
		if len(fields) < 3 {
			return Rule{}, status.Errorf("rule: create_object requires channel+object+operation tokens, got %q", rest)
		}
		ch, err := strconv.Atoi(fields[0])
		if err != nil {
			return Rule{}, status.Errorf("rule: bad channel id %q: %w", fields[0], err)
		}
		obj, err := strconv.Atoi(fields[1])
		if err != nil {
			return Rule{}, status.Errorf("rule: bad object id %q: %w", fields[1], err)
		}
		return Rule{Op: op, ChannelID: int32(ch), ObjectID: int32(obj), Operation: fields[2]}, status.OK()

	case OpStageHandshake, OpStageReady, OpCollectGlobalStats, OpCollectEntityStats:
		return Rule{Op: op}, status.OK()

	case OpLocalHandshake:
		var hsk []string
		if rest != "" {
			hsk = strings.Split(rest, ";")
		}
		return Rule{Op: op, HousekeepingRules: hsk}, status.OK()

	case OpEnforcement:
		fields := strings.SplitN(rest, delim, 4)
		if len(fields) < 4 {
			return Rule{}, status.Errorf("rule: enforcement requires rule_id+stage+operation+env_rates tokens, got %q", rest)
		}
		ruleID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Rule{}, status.Errorf("rule: bad rule_id %q: %w", fields[0], err)
		}
		envRatesToken := strings.TrimSuffix(fields[3], delim)
		envRates, perr := parseEnvRates(envRatesToken)
		if perr.IsError() {
			return Rule{}, perr
		}
		return Rule{
			Op:        op,
			RuleID:    ruleID,
			StageName: fields[1],
			Operation: fields[2],
			EnvRates:  envRates,
		}, status.OK()

	default:
		return Rule{}, status.Errorf("rule: unknown operation code %d", opVal)
	}
}

func parseEnvRates(token string) ([]EnvRate, status.Status) {
	if token == "" {
		return nil, status.OK()
	}
	parts := strings.Split(strings.TrimSuffix(token, envRateDelim), envRateDelim)
	out := make([]EnvRate, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			return nil, status.Errorf("rule: malformed env:rate token %q", p)
		}
		env, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, status.Errorf("rule: bad env %q: %w", kv[0], err)
		}
		r, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			return nil, status.Errorf("rule: bad rate %q: %w", kv[1], err)
		}
		out = append(out, EnvRate{Env: int32(env), Rate: r})
	}
	return out, status.OK()
}

// NewEnforcement builds a canonical enforcement rule.
func NewEnforcement(ruleID int64, stageName, operation string, envRates []EnvRate) Rule {
	return Rule{Op: OpEnforcement, RuleID: ruleID, StageName: stageName, Operation: operation, EnvRates: envRates}
}

// StageKey returns the "job+env" composite key used by StageInfo, Location
// and StageSession (spec.md §3).
func StageKey(jobName string, env int32) string {
	return fmt.Sprintf("%s+%d", jobName, env)
}
