// Package display runs an Xvfb virtual display for browsers that cannot
// run headless.
package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/privacy-extensions/privext/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBinary    = "Xvfb"
	DefaultWidth     = 1920
	DefaultHeight    = 1080
	DefaultDepth     = 24
	DefaultSocketDir = "/tmp/.X11-unix"

	// firstDisplay is the lowest display number probed.
	firstDisplay = 99
	maxProbe     = 100

	readyTimeout = 10 * time.Second
	readyPoll    = 50 * time.Millisecond
	stopTimeout  = 5 * time.Second
)

// Config configures the virtual display.
type Config struct {
	Binary    string
	Width     int
	Height    int
	Depth     int
	SocketDir string
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}

	if c.Width == 0 {
		c.Width = DefaultWidth
	}

	if c.Height == 0 {
		c.Height = DefaultHeight
	}

	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}

	if c.SocketDir == "" {
		c.SocketDir = DefaultSocketDir
	}
}

// Display is a running Xvfb server.
type Display struct {
	log  logrus.FieldLogger
	name string
	cmd  *exec.Cmd
	done chan struct{}
}

// Start launches Xvfb on the first free display number and waits until
// its socket appears.
func Start(ctx context.Context, log logrus.FieldLogger, cfg Config) (*Display, error) {
	cfg.applyDefaults()

	num, err := freeDisplay(cfg.SocketDir)
	if err != nil {
		return nil, err
	}

	name := ":" + strconv.Itoa(num)
	screen := fmt.Sprintf("%dx%dx%d", cfg.Width, cfg.Height, cfg.Depth)

	cmd := exec.Command(cfg.Binary, name, "-screen", "0", screen, "-nolisten", "tcp")
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Binary, err)
	}

	d := &Display{
		log:  log.WithField("component", "display").WithField("display", name),
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		defer close(d.done)

		_ = cmd.Wait()
	}()

	if err := d.waitReady(ctx, socketPath(cfg.SocketDir, num)); err != nil {
		_ = d.Stop()

		return nil, err
	}

	d.log.WithField("screen", screen).Debug("Virtual display started")

	return d, nil
}

// Name returns the X display name, e.g. ":99".
func (d *Display) Name() string {
	return d.name
}

func (d *Display) waitReady(ctx context.Context, socket string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()

	for {
		if fsutil.Exists(socket) {
			return nil
		}

		select {
		case <-d.done:
			return fmt.Errorf("xvfb exited before display %s was ready", d.name)
		case <-ctx.Done():
			return fmt.Errorf("waiting for display %s: %w", d.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates Xvfb.
func (d *Display) Stop() error {
	select {
	case <-d.done:
		return nil
	default:
	}

	_ = d.cmd.Process.Signal(os.Interrupt)

	select {
	case <-d.done:
	case <-time.After(stopTimeout):
		if err := d.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing xvfb: %w", err)
		}

		<-d.done
	}

	d.log.Debug("Virtual display stopped")

	return nil
}

func freeDisplay(socketDir string) (int, error) {
	for n := firstDisplay; n < firstDisplay+maxProbe; n++ {
		lock := filepath.Join(os.TempDir(), fmt.Sprintf(".X%d-lock", n))
		if !fsutil.Exists(socketPath(socketDir, n)) && !fsutil.Exists(lock) {
			return n, nil
		}
	}

	return 0, fmt.Errorf("no free display number in %d..%d", firstDisplay, firstDisplay+maxProbe-1)
}

func socketPath(dir string, n int) string {
	return filepath.Join(dir, "X"+strconv.Itoa(n))
}
