package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) (*Bridge, string) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	path := filepath.Join(t.TempDir(), "har.json")

	return NewBridge(log, BridgeConfig{TracePath: path, MaxPayloadSize: 1024}), path
}

func frames(t *testing.T, payloads ...string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, []byte(p)))
	}

	return &buf
}

func TestBridgeServe(t *testing.T) {
	t.Run("single payload then eof", func(t *testing.T) {
		b, path := newTestBridge(t)

		require.NoError(t, b.Serve(frames(t, `{"log":{}}`)))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `{"log":{}}`, string(data))
		assert.True(t, Ready(path))
	})

	t.Run("last payload wins", func(t *testing.T) {
		b, path := newTestBridge(t)

		require.NoError(t, b.Serve(frames(t, `{"n":1}`, `{"n":2}`)))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `{"n":2}`, string(data))
	})

	t.Run("zero length terminates", func(t *testing.T) {
		b, path := newTestBridge(t)

		buf := frames(t, `{"n":1}`)
		buf.Write(make([]byte, 4))
		require.NoError(t, WriteFrame(buf, []byte(`{"n":2}`)))

		require.NoError(t, b.Serve(buf))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `{"n":1}`, string(data))
	})

	t.Run("empty input ends cleanly without marker", func(t *testing.T) {
		b, path := newTestBridge(t)

		require.NoError(t, b.Serve(&bytes.Buffer{}))
		assert.False(t, Ready(path))
	})

	t.Run("truncated payload is an error", func(t *testing.T) {
		b, path := newTestBridge(t)

		var buf bytes.Buffer
		prefix := make([]byte, 4)
		binary.NativeEndian.PutUint32(prefix, 10)
		buf.Write(prefix)
		buf.WriteString("abc")

		require.Error(t, b.Serve(&buf))
		assert.False(t, Ready(path))
	})

	t.Run("truncated prefix is an error", func(t *testing.T) {
		b, _ := newTestBridge(t)

		require.Error(t, b.Serve(bytes.NewReader([]byte{1, 0})))
	})

	t.Run("oversized payload is rejected", func(t *testing.T) {
		b, path := newTestBridge(t)

		var buf bytes.Buffer
		prefix := make([]byte, 4)
		binary.NativeEndian.PutUint32(prefix, 4096)
		buf.Write(prefix)

		err := b.Serve(&buf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPayloadTooLarge))
		assert.False(t, Ready(path))
	})

	t.Run("write failure stops the loop", func(t *testing.T) {
		log := logrus.New()
		log.SetLevel(logrus.ErrorLevel)

		path := filepath.Join(t.TempDir(), "missing", "har.json")
		b := NewBridge(log, BridgeConfig{TracePath: path})

		require.Error(t, b.Serve(frames(t, `{}`)))
		assert.False(t, Ready(path))
	})
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "har.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(SentinelPath(path), nil, 0o644))

	require.NoError(t, Clear(path))
	assert.False(t, Ready(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Clearing nothing is fine.
	require.NoError(t, Clear(path))
}

func TestBridgeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	properties.Property("trace equals the last non-empty payload", prop.ForAll(
		func(payloads []string) bool {
			dir, err := os.MkdirTemp("", "bridge")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			path := filepath.Join(dir, "har.json")
			b := NewBridge(log, BridgeConfig{TracePath: path})

			var (
				buf  bytes.Buffer
				last string
			)

			for _, p := range payloads {
				if p == "" {
					continue
				}

				if err := WriteFrame(&buf, []byte(p)); err != nil {
					return false
				}

				last = p
			}

			if err := b.Serve(&buf); err != nil {
				return false
			}

			if last == "" {
				return !Ready(path)
			}

			data, err := os.ReadFile(path)

			return err == nil && string(data) == last && Ready(path)
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
