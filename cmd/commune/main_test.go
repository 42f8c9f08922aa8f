package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WendelHime/commune/internal/config"
)

func TestRunRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LogLevel = "loud"
	cfg.LogFile = filepath.Join(dir, "commune.log")
	cfg.ContentDir = filepath.Join(dir, "Content")

	err := run(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `log level "loud"`)

	_, err = os.Stat(cfg.LogFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.ContentDir)
	assert.True(t, os.IsNotExist(err))
}
