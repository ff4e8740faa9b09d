package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait(t *testing.T) {
	t.Run("already ready", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "har.json")
		require.NoError(t, os.WriteFile(SentinelPath(path), nil, 0o644))

		assert.True(t, Await(context.Background(), path, time.Now().Add(time.Second), 10*time.Millisecond))
	})

	t.Run("marker appears before deadline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "har.json")

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = os.WriteFile(SentinelPath(path), nil, 0o644)
		}()

		assert.True(t, Await(context.Background(), path, time.Now().Add(5*time.Second), 20*time.Millisecond))
	})

	t.Run("deadline bounds the wait", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "har.json")

		start := time.Now()
		ok := Await(context.Background(), path, start.Add(100*time.Millisecond), 20*time.Millisecond)

		assert.False(t, ok)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("deadline in the past", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "har.json")

		assert.False(t, Await(context.Background(), path, time.Now().Add(-time.Second), time.Second))
	})

	t.Run("context cancel", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "har.json")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.False(t, Await(ctx, path, time.Now().Add(time.Minute), time.Second))
	})
}

func TestReadTrace(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.json")
	require.NoError(t, os.WriteFile(valid, []byte(`{"log":{"entries":[]}}`), 0o644))

	raw, err := ReadTrace(valid)
	require.NoError(t, err)
	assert.JSONEq(t, `{"log":{"entries":[]}}`, string(raw))

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"log":`), 0o644))

	_, err = ReadTrace(invalid)
	require.Error(t, err)

	_, err = ReadTrace(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
