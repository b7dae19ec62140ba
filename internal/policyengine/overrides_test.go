package policyengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopOverrideResolver_ReturnsDefaultsUnchanged(t *testing.T) {
	defaults := DefaultPolicy()
	got, err := NoopOverrideResolver{}.Resolve(context.Background(), "any-tenant", defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)
}

func TestRegoOverrideResolver_UnregisteredTenantFallsThroughToDefaults(t *testing.T) {
	r := NewRegoOverrideResolver()
	defaults := DefaultPolicy()
	got, err := r.Resolve(context.Background(), "tenant-without-policy", defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, got)
}

func TestRegoOverrideResolver_AppliesCompiledModule(t *testing.T) {
	ctx := context.Background()
	r := NewRegoOverrideResolver()

	module := `
package policy

overrides := {
	"require_consent": true,
	"daily_cap": {"email": 2},
	"quiet_start_hour": 22,
	"quiet_end_hour": 7,
}
`
	require.NoError(t, r.SetPolicy(ctx, "tenant-a", module))

	got, err := r.Resolve(ctx, "tenant-a", DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 2, got.DailyCap["email"])
	assert.Equal(t, 22, got.QuietStartHour)
	assert.Equal(t, 7, got.QuietEndHour)
	// weekly cap untouched by the override document, kept at defaults.
	assert.Equal(t, 3, got.WeeklyCap["email"])
}

func TestRegoOverrideResolver_ClearPolicyRevertsToDefaults(t *testing.T) {
	ctx := context.Background()
	r := NewRegoOverrideResolver()
	module := `
package policy

overrides := {"quiet_start_hour": 23, "quiet_end_hour": 6}
`
	require.NoError(t, r.SetPolicy(ctx, "tenant-b", module))
	r.ClearPolicy("tenant-b")

	got, err := r.Resolve(ctx, "tenant-b", DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), got)
}
