package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "kort.env")
	require.NoError(t, os.WriteFile(filename, []byte("KORT_TEST_ADDR=:5000\nKORT_TEST_LOG_LEVEL=debug\n"), 0o600))

	t.Setenv("KORT_ENV_FILE", filename)
	t.Setenv("KORT_TEST_LOG_LEVEL", "error")
	t.Cleanup(func() { os.Unsetenv("KORT_TEST_ADDR") })

	loadEnvFile()

	t.Run("file variables are loaded", func(t *testing.T) {
		require.Equal(t, ":5000", os.Getenv("KORT_TEST_ADDR"))
	})

	t.Run("environment variables take precedence", func(t *testing.T) {
		require.Equal(t, "error", os.Getenv("KORT_TEST_LOG_LEVEL"))
	})
}

func TestValidateConfig(t *testing.T) {
	valid := config{
		Addr:               ":4000",
		FrameDuration:      time.Millisecond * 100,
		LogSummaryInterval: time.Minute,
		TileURLTemplate:    "https://tile.example.com/{z}/{x}/{y}.png",
	}
	require.NoError(t, validateConfig(valid))

	t.Run("tile url template without placeholders is rejected", func(t *testing.T) {
		conf := valid
		conf.TileURLTemplate = "https://tile.example.com/{z}/{x}.png"
		require.Error(t, validateConfig(conf))
	})

	t.Run("zero frame duration is rejected", func(t *testing.T) {
		conf := valid
		conf.FrameDuration = 0
		require.Error(t, validateConfig(conf))
	})
}
