// Package dedupe implements event fingerprinting and idempotency:
// two events with an equal fingerprint denote the same occurrence
// and must not both produce side effects, and a worker-task-assigned
// redelivery for a task already in-progress or completed is a no-op.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Fingerprint computes the deterministic dedup key for an event:
// SHA-256(JSON({tenant, subject, event_type, payload}, keys sorted)).
// encoding/json sorts map keys at every level, so two equal (tenant,
// subject, type, payload) tuples always hash identically regardless of
// how the caller built the payload map.
func Fingerprint(tenantID, subjectID string, eventType models.EventType, payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	doc := map[string]any{
		"tenant":     tenantID,
		"subject":    subjectID,
		"event_type": string(eventType),
		"payload":    payload,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		// A JSON-decoded payload map cannot fail to re-marshal; this only
		// triggers if a caller hand-built a payload with an unmarshalable
		// value (e.g. a channel or func), which is a programmer error, not
		// a runtime condition to recover cleverly from.
		data = []byte(string(eventType))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EventLookup is the durable store dedupe checks before persisting an
// event: internal/storage's backends implement this against the events
// table, which carries a unique constraint on (tenant_id, fingerprint).
type EventLookup interface {
	FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error)
}

// Checker short-circuits duplicate events by fingerprint: at most one
// row is persisted in events and at most one set of downstream side
// effects is enqueued. A small in-memory hot-path cache avoids a store
// round trip for bursts of the exact same event arriving within the
// cache TTL; the durable store with its unique constraint remains the
// actual source of truth.
type Checker struct {
	lookup EventLookup
	cache  *hotCache
}

// NewChecker builds a Checker backed by lookup.
func NewChecker(lookup EventLookup) *Checker {
	return &Checker{
		lookup: lookup,
		cache:  newHotCache(defaultCacheTTL, defaultCacheSize),
	}
}

// Check reports whether fingerprint was already seen for tenantID. When it
// was, the previously persisted Event is returned so the ingress handler
// can short-circuit and return the existing event id without any further
// side effect.
func (c *Checker) Check(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error) {
	if fingerprint == "" {
		return nil, false, nil
	}
	key := tenantID + "|" + fingerprint

	if ev, ok := c.cache.get(key); ok {
		return ev, true, nil
	}

	existing, found, err := c.lookup.FindByFingerprint(ctx, tenantID, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if found {
		c.cache.set(key, existing)
		return existing, true, nil
	}
	return nil, false, nil
}

// Remember populates the hot-path cache after the caller has durably
// persisted event, so a near-simultaneous duplicate doesn't need a store
// round trip to be recognized.
func (c *Checker) Remember(tenantID, fingerprint string, event *models.Event) {
	if fingerprint == "" || event == nil {
		return
	}
	c.cache.set(tenantID+"|"+fingerprint, event)
}

// TaskAlreadyHandled reports whether a worker-task-assigned redelivery for
// a task already in status is a no-op. Callers check this before dispatching to
// a task-type handler.
func TaskAlreadyHandled(status models.TaskStatus) bool {
	return status == models.TaskRunning || status == models.TaskSucceeded
}
