// Package perf samples OS performance counters with the perf tool while a
// page load is in flight.
package perf

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBinary    = "perf"
	DefaultDataPath  = "perf.data"
	DefaultStopGrace = 5 * time.Second

	eventColumn = "EVENT"
	valueColumn = "VAL"
)

// DefaultEvents are the counters recorded for every session.
var DefaultEvents = []string{
	"cpu-clock",
	"cpu-migrations",
	"context-switches",
	"page-faults",
	"task-clock",
}

// Sample maps event names to their summed counter values.
type Sample map[string]int64

// Config configures a Sampler.
type Config struct {
	Binary    string
	Events    []string
	DataPath  string
	Duration  time.Duration
	StopGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}

	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}

	if c.DataPath == "" {
		c.DataPath = DefaultDataPath
	}

	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
}

// Sampler records system-wide counters in a background recorder process
// bounded by a sleeping child.
type Sampler struct {
	log logrus.FieldLogger
	cfg Config

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// New creates a sampler. Nothing runs until Start.
func New(log logrus.FieldLogger, cfg Config) *Sampler {
	cfg.applyDefaults()

	return &Sampler{
		log: log.WithField("component", "perf"),
		cfg: cfg,
	}
}

// Args returns the recorder command line used by Start.
func (s *Sampler) Args() []string {
	args := []string{"stat", "record", "-o", s.cfg.DataPath}
	for _, ev := range s.cfg.Events {
		args = append(args, "-e", ev)
	}

	secs := int64(math.Ceil(s.cfg.Duration.Seconds()))
	if secs < 1 {
		secs = 1
	}

	return append(args, "-a", "--", "sleep", strconv.FormatInt(secs, 10))
}

// Start launches the recorder in the background. It returns once the
// process is spawned; an error means no sampling happens.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("sampler already started")
	}

	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.Args()...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.cfg.StopGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.cfg.Binary, err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := cmd.Wait(); err != nil {
			s.log.WithError(err).WithField("stderr", strings.TrimSpace(stderr.String())).
				Debug("Recorder exited with error")
		}
	}()

	s.cmd = cmd
	s.done = done

	s.log.WithField("pid", cmd.Process.Pid).Debug("Recorder started")

	return nil
}

// Stop ends the recording and returns the parsed sample. Calling Stop on
// a sampler that never started returns an empty sample.
func (s *Sampler) Stop() Sample {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		s.log.Debug("Stop called without a running recorder")

		return Sample{}
	}

	select {
	case <-done:
	default:
		s.interrupt(cmd.Process)

		select {
		case <-done:
		case <-time.After(s.cfg.StopGrace):
			s.log.Warn("Recorder did not exit in time, killing it")

			_ = cmd.Process.Kill()

			<-done
		}
	}

	return s.Parse()
}

// interrupt ends the sleeping child so the recorder flushes and exits.
// Without a child the recorder itself is interrupted.
func (s *Sampler) interrupt(recorder *os.Process) {
	proc, err := process.NewProcess(int32(recorder.Pid))
	if err == nil {
		var children []*process.Process

		children, err = proc.Children()
		if err == nil && len(children) > 0 {
			for _, child := range children {
				_ = child.Terminate()
				_ = child.Kill()
			}

			return
		}
	}

	s.log.WithError(err).Warn("No sampling child found, interrupting recorder")

	_ = recorder.Signal(os.Interrupt)
}

// Parse runs the report tool over the recorded data. Any failure yields
// an empty sample.
func (s *Sampler) Parse() Sample {
	out, err := exec.Command(s.cfg.Binary, "script", "-i", s.cfg.DataPath).Output()
	if err != nil {
		s.log.WithError(err).Warn("Failed to read perf report")

		return Sample{}
	}

	sample, err := ParseScript(bytes.NewReader(out))
	if err != nil {
		s.log.WithError(err).Warn("Failed to parse perf report")

		return Sample{}
	}

	return sample
}

// ParseScript parses the whitespace-delimited report. The first non-empty
// line names the columns; VAL is summed per EVENT. Rows that are short or
// carry a non-integer value are ignored.
func ParseScript(r io.Reader) (Sample, error) {
	sample := Sample{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventIdx, valueIdx := -1, -1

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if eventIdx < 0 {
			for i, f := range fields {
				switch f {
				case eventColumn:
					eventIdx = i
				case valueColumn:
					valueIdx = i
				}
			}

			if eventIdx < 0 || valueIdx < 0 {
				return Sample{}, fmt.Errorf("header missing %s or %s column", eventColumn, valueColumn)
			}

			continue
		}

		if len(fields) <= eventIdx || len(fields) <= valueIdx {
			continue
		}

		v, err := strconv.ParseInt(fields[valueIdx], 10, 64)
		if err != nil {
			continue
		}

		sample[fields[eventIdx]] += v
	}

	if err := scanner.Err(); err != nil {
		return Sample{}, err
	}

	return sample, nil
}
