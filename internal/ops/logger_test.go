package ops

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsOnBadLevel(t *testing.T) {
	var logger = NewLogger(Config{Level: "not-a-level", Format: "text"})
	require.NotNil(t, logger)
	assert.Equal(t, log.InfoLevel, logger.GetLevel())
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var logger = NewLogger(Config{Level: "debug", Format: "json"})
	assert.Equal(t, log.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*log.JSONFormatter)
	assert.True(t, ok)
}

func TestForStageAndForResource(t *testing.T) {
	var logger = NewLogger(Config{Level: "info"})
	var entry = ForResource(ForStage(logger, "fetch"), "condition")
	assert.Equal(t, "fetch", entry.Data["stage"])
	assert.Equal(t, "condition", entry.Data["resource"])
}
