package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewAppliesLevelAndFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelDebug
	cfg.Format = "json"
	logger := New(cfg)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestNewDefaultsToInfoAndText(t *testing.T) {
	logger := New(Config{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestScopingHelpersChainFields(t *testing.T) {
	logger := New(DefaultConfig())
	base := Base(logger, Config{Service: "veddbd", Version: "test"})
	entry := ForOperation(ForSession(ForConnection(base, "c1"), "s1"), "InsertDoc", "widgets")
	assert.Equal(t, "c1", entry.Data["conn_id"])
	assert.Equal(t, "s1", entry.Data["session_id"])
	assert.Equal(t, "InsertDoc", entry.Data["op"])
	assert.Equal(t, "widgets", entry.Data["collection"])
}
