package txlog

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetZero(t *testing.T) {
	t.Cleanup(func() {
		ReloadLogger("", "info", false)
	})
}

func TestNewZeroLogger_DefaultIsJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := NewZeroLogger("", "info", false)
	l := logger.Output(&buf)
	l.Info().Msg("test message")

	out := buf.String()
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"message":"test message"`)
}

func TestZeroDefaultLevelIsInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestParseLevel(t *testing.T) {
	assert := assert.New(t)
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(want, parseLevel(in), in)
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txseq.log")

	logger := NewZeroLogger(path, "info", false)
	logger.Info().Str("sequence", "order_id").Msg("reseed")

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"sequence":"order_id"`)
}

func TestReloadLoggerRedirectsZero(t *testing.T) {
	assert := assert.New(t)
	resetZero(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	ReloadLogger(first, "debug", false)
	assert.Equal(zerolog.DebugLevel, zerolog.GlobalLevel())
	Zero.Debug().Msg("to first")

	ReloadLogger(second, "error", false)
	Zero.Info().Msg("dropped")
	Zero.Error().Msg("to second")

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(string(data), "to first")
	assert.NotContains(string(data), "to second")

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(string(data), "to second")
	assert.NotContains(string(data), "dropped")
}

func TestReloadLoggerWhileLogging(t *testing.T) {
	resetZero(t)
	path := filepath.Join(t.TempDir(), "txseq.log")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					Zero.Info().Int("worker", i).Msg("tick")
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		ReloadLogger(path, "info", i%2 == 0)
	}
	close(stop)
	wg.Wait()

	Zero.Info().Msg("last")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "last")
}
