package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/iorate/infrastructure/httputil"
	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/infrastructure/resilience"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
	"github.com/R3E-Network/iorate/pkg/rule"
	"github.com/R3E-Network/iorate/pkg/session"
	"github.com/R3E-Network/iorate/pkg/status"
)

// localInvoker is the session.Invoker a LocalSession drives: it turns
// rule.Rule values dequeued from the session's submission queue into
// northbound HTTP calls against one local controller (spec.md §6), with a
// circuit breaker guarding the underlying transport. The feedback loop
// ticks this invoker every round trip of its owning session's submission
// queue (spec.md §4.4); resilience.StrictServiceCBConfig trips the breaker
// after 3 consecutive failed RPCs so a down local stops being hammered
// every tick, logging the state change and letting the transport error
// flow straight through to the session, which surfaces the sentinel ACK
// (spec.md §7). The feedback loop logs that result and moves on; the
// core does not evict the LocalSession or decrement active_locals when a
// local fails.
type localInvoker struct {
	address string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

func newLocalInvoker(address string, logger *logging.Logger) (*localInvoker, error) {
	client, normalized, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL: address,
		HTTPClient: &http.Client{
			Transport: httputil.DefaultTransportWithMinTLS12(),
		},
	}, httputil.ClientDefaults{
		Timeout:          10 * time.Second,
		NormalizeBaseURL: true,
		RequireHTTPS:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("core: local address %q: %w", address, err)
	}
	return &localInvoker{
		address: normalized,
		client:  client,
		breaker: resilience.New(resilience.StrictServiceCBConfig(logger)),
	}, nil
}

func (l *localInvoker) Invoke(ctx context.Context, req any) (any, status.Status) {
	r, ok := req.(rule.Rule)
	if !ok {
		return nil, status.Errorf("core: unexpected local-session request type %T", req)
	}

	switch r.Op {
	case rule.OpLocalHandshake:
		return l.localHandshake(ctx, r)
	case rule.OpStageReady:
		return l.markStageReady(ctx, r)
	case rule.OpEnforcement:
		return l.createEnforcementRule(ctx, r)
	case rule.OpCollectGlobalStats:
		return l.collectGlobalStatistics(ctx)
	default:
		return nil, status.Errorf("core: local session cannot invoke rule op %s", r.Op)
	}
}

func (l *localInvoker) localHandshake(ctx context.Context, r rule.Rule) (any, status.Status) {
	var ack rpcdto.AckResponse
	if err := l.post(ctx, "/rpc/local-handshake", rpcdto.LocalHandshakeRequest{Rules: r.HousekeepingRules}, &ack); err != nil {
		return nil, status.Error(err)
	}
	return session.ACK{OK: ack.OK}, status.OK()
}

func (l *localInvoker) markStageReady(ctx context.Context, r rule.Rule) (any, status.Status) {
	var ack rpcdto.AckResponse
	if err := l.post(ctx, "/rpc/stage-ready", rpcdto.StageReadyRequest{StageName: r.StageName}, &ack); err != nil {
		return nil, status.Error(err)
	}
	return session.ACK{OK: ack.OK}, status.OK()
}

func (l *localInvoker) createEnforcementRule(ctx context.Context, r rule.Rule) (any, status.Status) {
	envRates := make(map[int32]int64, len(r.EnvRates))
	for _, er := range r.EnvRates {
		envRates[er.Env] = er.Rate
	}
	req := rpcdto.EnforcementRequest{
		RuleID:    r.RuleID,
		StageName: r.StageName,
		Operation: r.Operation,
		EnvRates:  envRates,
	}
	var ack rpcdto.AckResponse
	if err := l.post(ctx, "/rpc/enforcement-rule", req, &ack); err != nil {
		return nil, status.Error(err)
	}
	if !ack.OK {
		return session.ACK{OK: false}, status.Errorf("core: local %s rejected enforcement rule: %s", l.address, ack.Error)
	}
	return session.ACK{OK: true}, status.OK()
}

func (l *localInvoker) collectGlobalStatistics(ctx context.Context) (any, status.Status) {
	var resp rpcdto.StatsResponse
	if err := l.get(ctx, "/rpc/stats", &resp); err != nil {
		return nil, status.Error(err)
	}
	return resp.Stats, status.OK()
}

func (l *localInvoker) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("core: marshal request to %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.address+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("core: build request to %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return l.do(httpReq, out)
}

func (l *localInvoker) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.address+path, nil)
	if err != nil {
		return fmt.Errorf("core: build request to %s: %w", path, err)
	}
	return l.do(httpReq, out)
}

func (l *localInvoker) do(httpReq *http.Request, out any) error {
	return l.breaker.Execute(httpReq.Context(), func() error {
		resp, err := l.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("core: local %s unreachable: %w", l.address, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("core: local %s returned status %d", l.address, resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("core: decode response from %s: %w", l.address, err)
		}
		return nil
	})
}
