package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObservation(t *testing.T) {
	v, ok := Detected(42).Get()
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	var zero Observation[string]
	assert.False(t, zero.IsDetected())

	s, ok := NotDetected[string]().Get()
	assert.False(t, ok)
	assert.Empty(t, s)
}
