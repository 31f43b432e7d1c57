package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steptest.log")
	logger, closer, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1, Level: "debug"})
	require.NoError(t, err)

	logger.WithField("component", "Engine").Debug("armed work timer")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "armed work timer")
	assert.Contains(t, string(data), "component=Engine")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNew_InvalidLevel(t *testing.T) {
	_, _, err := New(Options{File: "-", Level: "loud"})
	assert.Error(t, err)
}

func TestNew_Discard(t *testing.T) {
	logger, closer, err := New(Options{Level: "info"})
	require.NoError(t, err)
	logger.Info("dropped")
	assert.NoError(t, closer.Close())
}
