package rule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/R3E-Network/iorate/pkg/status"
)

// PolicyScope identifies the sub-kind of an admin policy rule (spec.md §3,
// Rule variant "admin policy": "untyped text consumed by the allocator
// (sub-kinds: job, user, demand, mds)").
type PolicyScope string

const (
	PolicyJob    PolicyScope = "job"
	PolicyUser   PolicyScope = "user"
	PolicyDemand PolicyScope = "demand"
	PolicyMDS    PolicyScope = "mds"
)

// PolicyRule is the decode of one administrator policy-file line. Unlike
// the pipe-delimited control-plane grammar in rule.go, policy lines are
// whitespace-separated (spec.md §6: "Policy rules file (admin):
// `time_seconds rule_tokens…`; whitespace separated") because they are
// produced by a human/administrator process, not re-parsed by a stage.
type PolicyRule struct {
	RuleID      int64
	TimeSeconds int64
	Scope       PolicyScope
	Target      string // job name or user name
	Operation   string // empty for "demand"
	Limit       int64  // limit for job/user; demand value for "demand"
}

// ParsePolicyLine parses one administrator policy-file line of the form
// "rule_id time_seconds scope target [operation] limit". Trailing
// whitespace-separated extras beyond what a scope needs are ignored,
// matching the permissive-parser contract of spec.md §4.6.
func ParsePolicyLine(line string) (PolicyRule, status.Status) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return PolicyRule{}, status.Errorf("rule: policy line has %d fields, need at least 4: %q", len(fields), line)
	}

	ruleID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return PolicyRule{}, status.Errorf("rule: bad policy rule_id %q: %w", fields[0], err)
	}
	timeSeconds, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return PolicyRule{}, status.Errorf("rule: bad policy time_seconds %q: %w", fields[1], err)
	}

	scope := PolicyScope(strings.ToLower(fields[2]))
	switch scope {
	case PolicyJob, PolicyUser:
		if len(fields) < 6 {
			return PolicyRule{}, status.Errorf("rule: %s policy requires target+operation+limit, got %q", scope, line)
		}
		limit, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return PolicyRule{}, status.Errorf("rule: bad policy limit %q: %w", fields[5], err)
		}
		return PolicyRule{
			RuleID:      ruleID,
			TimeSeconds: timeSeconds,
			Scope:       scope,
			Target:      fields[3],
			Operation:   fields[4],
			Limit:       limit,
		}, status.OK()

	case PolicyDemand:
		if len(fields) < 5 {
			return PolicyRule{}, status.Errorf("rule: demand policy requires job+value, got %q", line)
		}
		value, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return PolicyRule{}, status.Errorf("rule: bad demand value %q: %w", fields[4], err)
		}
		return PolicyRule{
			RuleID:      ruleID,
			TimeSeconds: timeSeconds,
			Scope:       scope,
			Target:      fields[3],
			Limit:       value,
		}, status.OK()

	case PolicyMDS:
		return PolicyRule{RuleID: ruleID, TimeSeconds: timeSeconds, Scope: scope}, status.NotSupported()

	default:
		return PolicyRule{}, status.Errorf("rule: unknown policy scope %q in %q", fields[2], line)
	}
}

// Encode renders a PolicyRule back to its canonical policy-line form
// (used by the rule codec round-trip test).
func (p PolicyRule) Encode() string {
	switch p.Scope {
	case PolicyJob, PolicyUser:
		return fmt.Sprintf("%d %d %s %s %s %d", p.RuleID, p.TimeSeconds, p.Scope, p.Target, p.Operation, p.Limit)
	case PolicyDemand:
		return fmt.Sprintf("%d %d %s %s %d", p.RuleID, p.TimeSeconds, p.Scope, p.Target, p.Limit)
	default:
		return fmt.Sprintf("%d %d %s", p.RuleID, p.TimeSeconds, p.Scope)
	}
}
