package policyengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// OverrideResolver layers per-tenant policy overrides on top of the
// built-in Defaults. Resolve must return defaults unchanged for a tenant with
// no override on file.
type OverrideResolver interface {
	Resolve(ctx context.Context, tenantID string, defaults Defaults) (Defaults, error)
}

// NoopOverrideResolver always returns defaults unchanged; it is the
// engine's zero value when no tenant has registered an override module.
type NoopOverrideResolver struct{}

func (NoopOverrideResolver) Resolve(_ context.Context, _ string, defaults Defaults) (Defaults, error) {
	return defaults, nil
}

// regoQuery is the fixed query every tenant override module must answer:
// a document at data.policy.overrides, shaped like Defaults' JSON fields.
const regoQuery = "data.policy.overrides"

// RegoOverrideResolver evaluates a compiled-per-tenant Rego module against
// the built-in Defaults on every decision, rather than a hand-rolled
// if/else override table. A tenant with no registered module falls
// through to defaults unchanged.
type RegoOverrideResolver struct {
	mu      sync.RWMutex
	queries map[string]rego.PreparedEvalQuery
}

// NewRegoOverrideResolver returns a resolver with no tenant modules
// registered; every tenant resolves to defaults until SetPolicy is called.
func NewRegoOverrideResolver() *RegoOverrideResolver {
	return &RegoOverrideResolver{queries: make(map[string]rego.PreparedEvalQuery)}
}

// SetPolicy compiles module (expected to define data.policy.overrides) for
// tenantID. The module may emit a partial object — any Defaults field it
// omits is left at its built-in value by Resolve.
func (r *RegoOverrideResolver) SetPolicy(ctx context.Context, tenantID, module string) error {
	prepared, err := rego.New(
		rego.Query(regoQuery),
		rego.Module(tenantID+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policyengine: compile rego override for tenant %s: %w", tenantID, err)
	}

	r.mu.Lock()
	r.queries[tenantID] = prepared
	r.mu.Unlock()
	return nil
}

// ClearPolicy removes tenantID's override module, reverting it to
// defaults.
func (r *RegoOverrideResolver) ClearPolicy(tenantID string) {
	r.mu.Lock()
	delete(r.queries, tenantID)
	r.mu.Unlock()
}

// Resolve evaluates tenantID's compiled override module, if any, against
// defaults and merges the result back in.
func (r *RegoOverrideResolver) Resolve(ctx context.Context, tenantID string, defaults Defaults) (Defaults, error) {
	r.mu.RLock()
	prepared, ok := r.queries[tenantID]
	r.mu.RUnlock()
	if !ok {
		return defaults, nil
	}

	input := map[string]any{
		"require_consent":  defaults.RequireConsent,
		"daily_cap":        channelIntMap(defaults.DailyCap),
		"weekly_cap":       channelIntMap(defaults.WeeklyCap),
		"quiet_start_hour": defaults.QuietStartHour,
		"quiet_end_hour":   defaults.QuietEndHour,
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Defaults{}, fmt.Errorf("policyengine: eval rego override for tenant %s: %w", tenantID, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return defaults, nil
	}

	// Rego yields numbers as json.Number; a JSON round trip turns them into
	// the float64 values mergeOverrideDoc reads.
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return defaults, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return defaults, nil
	}
	return mergeOverrideDoc(defaults, doc), nil
}

func channelIntMap(m map[models.ChannelType]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func mergeOverrideDoc(defaults Defaults, doc map[string]any) Defaults {
	merged := defaults

	if v, ok := doc["require_consent"].(bool); ok {
		merged.RequireConsent = v
	}
	if v, ok := doc["quiet_start_hour"].(float64); ok {
		merged.QuietStartHour = int(v)
	}
	if v, ok := doc["quiet_end_hour"].(float64); ok {
		merged.QuietEndHour = int(v)
	}
	if v, ok := doc["daily_cap"].(map[string]any); ok {
		merged.DailyCap = mergeCapOverrides(defaults.DailyCap, v)
	}
	if v, ok := doc["weekly_cap"].(map[string]any); ok {
		merged.WeeklyCap = mergeCapOverrides(defaults.WeeklyCap, v)
	}
	return merged
}

func mergeCapOverrides(base map[models.ChannelType]int, overrides map[string]any) map[models.ChannelType]int {
	merged := make(map[models.ChannelType]int, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if n, ok := v.(float64); ok {
			merged[models.ChannelType(k)] = int(n)
		}
	}
	return merged
}
