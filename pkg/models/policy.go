package models

import "time"

// PolicyRule is a per-tenant policy override row: a key-value pair
// layered over the built-in consent/rate-limit/quiet-hours defaults. Key
// "rego_override" carries a compiled-at-evaluation-time Rego module source
// that the policy engine evaluates per decision; other keys carry scalar
// overrides (e.g. "quiet_start_hour") for tenants that don't need a full
// Rego module.
type PolicyRule struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
