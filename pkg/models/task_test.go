package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerTaskExhausted(t *testing.T) {
	task := &WorkerTask{Attempts: 2, MaxAttempts: 3}
	assert.False(t, task.Exhausted())

	task.Attempts = 3
	assert.True(t, task.Exhausted())

	task.Attempts = 4
	assert.True(t, task.Exhausted(), "attempts beyond max must still count as exhausted")
}
