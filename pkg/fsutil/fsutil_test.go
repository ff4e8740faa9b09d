package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *OwnerConfig
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:1000", want: &OwnerConfig{UID: 1000, GID: 1000}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "too many parts", input: "1:2:3", wantErr: true},
		{name: "non-numeric uid", input: "root:0", wantErr: true},
		{name: "non-numeric gid", input: "0:wheel", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o644, nil))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"b":2}`), 0o644, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json.ready")

	assert.False(t, Exists(path))
	require.NoError(t, Touch(path, nil))
	assert.True(t, Exists(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	// Touching twice is fine.
	require.NoError(t, Touch(path, nil))
}
