package perf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakePerf = `#!/bin/sh
case "$1" in
stat)
  while [ "$#" -gt 0 ] && [ "$1" != "--" ]; do shift; done
  shift
  "$@" &
  wait $!
  ;;
script)
  cat <<'EOF'
CPU   THREAD   VAL   ENA   RUN   TIME   EVENT
 -1   -1   100   1   1   0.5   cpu-clock
 -1   -1   50    1   1   0.5   cpu-clock
 -1   -1   7     1   1   0.5   page-faults
EOF
  ;;
esac
`

func newTestSampler(t *testing.T, script string, d time.Duration) *Sampler {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()
	bin := filepath.Join(dir, "perf")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	return New(log, Config{
		Binary:    bin,
		DataPath:  filepath.Join(dir, "perf.data"),
		Duration:  d,
		StopGrace: 2 * time.Second,
	})
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Sample
		wantErr bool
	}{
		{name: "empty", input: "", want: Sample{}},
		{
			name:  "sums per event",
			input: "CPU THREAD VAL ENA RUN TIME EVENT\n-1 -1 3 1 1 0 task-clock\n-1 -1 4 1 1 0 task-clock\n-1 -1 9 1 1 0 page-faults\n",
			want:  Sample{"task-clock": 7, "page-faults": 9},
		},
		{
			name:  "skips malformed rows",
			input: "VAL EVENT\nx cpu-clock\n5\n\n2 cpu-clock\n",
			want:  Sample{"cpu-clock": 2},
		},
		{name: "header without columns", input: "A B C\n1 2 3\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScript(strings.NewReader(tt.input))
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSamplerArgs(t *testing.T) {
	s := New(logrus.New(), Config{DataPath: "out.data", Duration: 30500 * time.Millisecond, Events: []string{"cpu-clock"}})

	assert.Equal(t,
		[]string{"stat", "record", "-o", "out.data", "-e", "cpu-clock", "-a", "--", "sleep", "31"},
		s.Args(),
	)
}

func TestSamplerStopBeforeStart(t *testing.T) {
	s := newTestSampler(t, fakePerf, time.Second)

	assert.Equal(t, Sample{}, s.Stop())
}

func TestSamplerStartStop(t *testing.T) {
	s := newTestSampler(t, fakePerf, 30*time.Second)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "second start must fail")

	start := time.Now()
	sample := s.Stop()

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, Sample{"cpu-clock": 150, "page-faults": 7}, sample)
}

func TestSamplerStopAfterNaturalExit(t *testing.T) {
	s := newTestSampler(t, fakePerf, time.Second)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(1500 * time.Millisecond)

	assert.Equal(t, Sample{"cpu-clock": 150, "page-faults": 7}, s.Stop())
}

func TestSamplerMissingBinary(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := New(log, Config{Binary: filepath.Join(t.TempDir(), "missing"), Duration: time.Second})

	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, Sample{}, s.Stop())
	assert.Equal(t, Sample{}, s.Parse())
}
