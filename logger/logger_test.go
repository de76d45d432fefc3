package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "warn", Env: "test", Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("hidden")
	log.WithFields(Fields{"session": "abc"}).Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "session:abc")
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud", Env: "test"})
	assert.Error(t, err)
}

func TestNew_WritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "app.log")
	var buf bytes.Buffer
	log, err := New(Options{Level: "info", File: file, Output: &buf})
	require.NoError(t, err)

	log.Info("to disk")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to disk")
}
