package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/cron"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// MethodFunc handles one RPC method. Plugin gateway methods share the
// signature and slot into the same dispatch.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (s *Server) methodTable() map[string]MethodFunc {
	return map[string]MethodFunc{
		protocol.MethodHealth:         s.methodHealth,
		protocol.MethodStatus:         s.methodStatus,
		protocol.MethodSessionsList:   s.methodSessionsList,
		protocol.MethodSessionsReset:  s.methodSessionsReset,
		protocol.MethodAgentRun:       s.methodAgentRun,
		protocol.MethodAgentAbort:     s.methodAgentAbort,
		protocol.MethodCronStatus:     s.methodCronStatus,
		protocol.MethodCronList:       s.methodCronList,
		protocol.MethodCronAdd:        s.methodCronAdd,
		protocol.MethodCronUpdate:     s.methodCronUpdate,
		protocol.MethodCronRemove:     s.methodCronRemove,
		protocol.MethodCronRun:        s.methodCronRun,
		protocol.MethodCronWake:       s.methodCronWake,
		protocol.MethodPairingList:    s.methodPairingList,
		protocol.MethodPairingApprove: s.methodPairingApprove,
		protocol.MethodPairingRevoke:  s.methodPairingRevoke,
		protocol.MethodBridgeList:     s.methodBridgeList,
		protocol.MethodPluginsList:    s.methodPluginsList,
	}
}

func (s *Server) methodHealth(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
}

func (s *Server) methodStatus(context.Context, json.RawMessage) (any, error) {
	out := map[string]any{
		"agentId":   s.cfg.ResolvedAgentID(),
		"version":   s.version,
		"protocol":  protocol.ProtocolVersion,
		"uptimeSec": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.sessions != nil {
		if all, err := s.sessions.List(); err == nil {
			out["sessions"] = len(all)
		}
	}
	if s.cron != nil {
		out["cron"] = s.cron.Status()
	}
	if s.bridge != nil {
		out["bridgeNodes"] = len(s.bridge.Nodes())
	}
	s.mu.RLock()
	out["clients"] = len(s.clients)
	s.mu.RUnlock()
	return out, nil
}

// sessionSummary is one row of sessions.list.
type sessionSummary struct {
	Key           string              `json:"key"`
	ID            string              `json:"id"`
	UpdatedAt     int64               `json:"updatedAt"`
	ThinkingLevel string              `json:"thinkingLevel,omitempty"`
	ModelOverride string              `json:"modelOverride,omitempty"`
	LastModel     *sessions.ModelRef  `json:"lastModel,omitempty"`
	Tokens        sessions.TokenUsage `json:"tokens"`
	ContextTokens int64               `json:"contextTokens,omitempty"`
	DisplayName   string              `json:"displayName,omitempty"`
}

func (s *Server) methodSessionsList(context.Context, json.RawMessage) (any, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("session store unavailable")
	}
	all, err := s.sessions.List()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	rows := make([]sessionSummary, 0, len(all))
	for key, sess := range all {
		rows = append(rows, sessionSummary{
			Key:           key,
			ID:            sess.ID,
			UpdatedAt:     sess.UpdatedAt,
			ThinkingLevel: sess.ThinkingLevel,
			ModelOverride: sess.ModelOverride,
			LastModel:     sess.LastModel,
			Tokens:        sess.Tokens,
			ContextTokens: sess.ContextTokens,
			DisplayName:   sess.DisplayName,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt != rows[j].UpdatedAt {
			return rows[i].UpdatedAt > rows[j].UpdatedAt
		}
		return rows[i].Key < rows[j].Key
	})
	return map[string]any{"sessions": rows}, nil
}

func (s *Server) methodSessionsReset(_ context.Context, params json.RawMessage) (any, error) {
	if s.sessions == nil {
		return nil, fmt.Errorf("session store unavailable")
	}
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	sess, err := s.sessions.Reset(p.Key)
	if err != nil {
		return nil, fmt.Errorf("reset %s: %w", p.Key, err)
	}
	return map[string]any{"key": p.Key, "sessionId": sess.ID}, nil
}

func (s *Server) methodAgentRun(ctx context.Context, params json.RawMessage) (any, error) {
	if s.agent == nil {
		return nil, fmt.Errorf("agent unavailable")
	}
	var p struct {
		SessionKey    string   `json:"sessionKey,omitempty"`
		Message       string   `json:"message"`
		Channel       string   `json:"channel,omitempty"`
		ChatID        string   `json:"chatId,omitempty"`
		Model         string   `json:"model,omitempty"`
		Thinking      string   `json:"thinking,omitempty"`
		Media         []string `json:"media,omitempty"`
		AbortPrevious bool     `json:"abortPrevious,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad params: %w", err)
	}
	if p.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	channel := p.Channel
	if channel == "" {
		channel = "websocket"
	}

	// Relay run progress to connected clients. The runner never closes the
	// channel, so the forwarder is shut down after Run returns.
	var events chan agent.AgentEvent
	runDone := make(chan struct{})
	fwdDone := make(chan struct{})
	if s.events != nil {
		events = make(chan agent.AgentEvent, 64)
		go func() {
			defer close(fwdDone)
			for {
				select {
				case ev := <-events:
					s.events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
				case <-runDone:
					for {
						select {
						case ev := <-events:
							s.events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
						default:
							return
						}
					}
				}
			}
		}()
	} else {
		close(fwdDone)
	}

	res, err := s.agent.Run(ctx, agent.RunRequest{
		SessionKey:    p.SessionKey,
		Message:       p.Message,
		Channel:       channel,
		ChatID:        p.ChatID,
		Media:         p.Media,
		ThinkingLevel: p.Thinking,
		ModelOverride: p.Model,
		AbortPrevious: p.AbortPrevious,
		Events:        events,
	})
	close(runDone)
	<-fwdDone
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"response":   res.Response,
		"sessionKey": res.SessionKey,
		"sessionId":  res.SessionID,
		"model":      res.Model,
		"usage":      res.Usage,
		"iterations": res.Iterations,
	}, nil
}

func (s *Server) methodAgentAbort(_ context.Context, params json.RawMessage) (any, error) {
	if s.agent == nil {
		return nil, fmt.Errorf("agent unavailable")
	}
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, fmt.Errorf("sessionKey is required")
	}
	return map[string]any{"aborted": s.agent.Abort(p.SessionKey)}, nil
}

func (s *Server) methodCronStatus(context.Context, json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	return s.cron.Status(), nil
}

func (s *Server) methodCronList(_ context.Context, params json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	var p struct {
		IncludeDisabled bool `json:"includeDisabled,omitempty"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return map[string]any{"jobs": s.cron.List(p.IncludeDisabled)}, nil
}

func (s *Server) methodCronAdd(_ context.Context, params json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	var create cron.JobCreate
	if err := json.Unmarshal(params, &create); err != nil {
		return nil, fmt.Errorf("bad params: %w", err)
	}
	job, err := s.cron.Add(create)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Server) methodCronUpdate(_ context.Context, params json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	var p struct {
		ID    string        `json:"id"`
		Patch cron.JobPatch `json:"patch"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	job, err := s.cron.Update(p.ID, p.Patch)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Server) methodCronRemove(_ context.Context, params json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if err := s.cron.Remove(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"removed": p.ID}, nil
}

func (s *Server) methodCronRun(_ context.Context, params json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	started, reason, err := s.cron.RunNow(p.ID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"started": started}
	if reason != "" {
		out["reason"] = reason
	}
	return out, nil
}

func (s *Server) methodCronWake(_ context.Context, params json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, fmt.Errorf("cron unavailable")
	}
	var req cron.WakeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("bad params: %w", err)
		}
	}
	if req.Mode == "" {
		req.Mode = cron.WakeNow
	}
	s.cron.Wake(req)
	return map[string]any{"mode": req.Mode}, nil
}

func (s *Server) methodPairingList(context.Context, json.RawMessage) (any, error) {
	if s.pairing == nil {
		return nil, fmt.Errorf("pairing unavailable")
	}
	return map[string]any{
		"pending": s.pairing.ListPending(),
		"allowed": s.pairing.ListAllowed(),
	}, nil
}

func (s *Server) methodPairingApprove(_ context.Context, params json.RawMessage) (any, error) {
	if s.pairing == nil {
		return nil, fmt.Errorf("pairing unavailable")
	}
	var p struct {
		Provider string `json:"provider"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Provider == "" || p.Code == "" {
		return nil, fmt.Errorf("provider and code are required")
	}
	principal, err := s.pairing.Approve(p.Provider, p.Code)
	if err != nil {
		return nil, err
	}
	// A prior credential for this principal is stale after a deliberate
	// re-approval; dropping it lets the next handshake mint a fresh one.
	if err := s.pairing.DeleteSecret(p.Provider + "-token/" + principal); err != nil {
		slog.Debug("gateway: stale secret cleanup failed", "provider", p.Provider, "error", err)
	}
	return map[string]any{"provider": p.Provider, "principal": principal}, nil
}

func (s *Server) methodPairingRevoke(_ context.Context, params json.RawMessage) (any, error) {
	if s.pairing == nil {
		return nil, fmt.Errorf("pairing unavailable")
	}
	var p struct {
		Provider  string `json:"provider"`
		Principal string `json:"principal"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Provider == "" || p.Principal == "" {
		return nil, fmt.Errorf("provider and principal are required")
	}
	if err := s.pairing.Revoke(p.Provider, p.Principal); err != nil {
		return nil, err
	}
	if err := s.pairing.DeleteSecret(p.Provider + "-token/" + p.Principal); err != nil {
		slog.Debug("gateway: secret cleanup failed", "provider", p.Provider, "error", err)
	}
	return map[string]any{"revoked": p.Principal}, nil
}

func (s *Server) methodBridgeList(context.Context, json.RawMessage) (any, error) {
	if s.bridge == nil {
		return map[string]any{"nodes": []any{}}, nil
	}
	return map[string]any{"nodes": s.bridge.Nodes()}, nil
}

func (s *Server) methodPluginsList(context.Context, json.RawMessage) (any, error) {
	if s.plugins == nil {
		return map[string]any{"plugins": []any{}}, nil
	}
	return map[string]any{"plugins": s.plugins.Diagnostics()}, nil
}
