package policyengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInQuietHours_SameZoneDaytime(t *testing.T) {
	at := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	inQuiet, err := InQuietHours("UTC", 21, 8, at)
	require.NoError(t, err)
	assert.False(t, inQuiet)
}

func TestInQuietHours_SpansMidnight(t *testing.T) {
	late := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	inQuiet, err := InQuietHours("UTC", 21, 8, late)
	require.NoError(t, err)
	assert.True(t, inQuiet)

	early := time.Date(2026, 7, 31, 5, 0, 0, 0, time.UTC)
	inQuiet, err = InQuietHours("UTC", 21, 8, early)
	require.NoError(t, err)
	assert.True(t, inQuiet)

	boundary := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	inQuiet, err = InQuietHours("UTC", 21, 8, boundary)
	require.NoError(t, err)
	assert.False(t, inQuiet)
}

func TestInQuietHours_ConvertsTimezone(t *testing.T) {
	// 04:00 UTC is 21:00 in America/Los_Angeles the previous day (PDT, -7h in July).
	at := time.Date(2026, 7, 31, 4, 0, 0, 0, time.UTC)
	inQuiet, err := InQuietHours("America/Los_Angeles", 21, 8, at)
	require.NoError(t, err)
	assert.True(t, inQuiet)
}

func TestInQuietHours_UnknownTimezoneErrors(t *testing.T) {
	_, err := InQuietHours("Not/AZone", 21, 8, time.Now())
	assert.Error(t, err)
}
