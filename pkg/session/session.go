// Package session runs one measured page load: launch a browser with a set
// of extensions, sample performance counters while the page loads, wait
// for the exported trace and bundle both.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/privacy-extensions/privext/pkg/browser"
	"github.com/privacy-extensions/privext/pkg/capture"
	"github.com/privacy-extensions/privext/pkg/display"
	"github.com/privacy-extensions/privext/pkg/extension"
	"github.com/privacy-extensions/privext/pkg/perf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds the capture wait from navigation start.
	DefaultTimeout = 30 * time.Second

	// DefaultNavigateSlack is added to the page load timeout to bound a
	// navigation whose driver never answers.
	DefaultNavigateSlack = 5 * time.Second

	teardownTimeout = 30 * time.Second
)

// State is a step of the session lifecycle.
type State int

const (
	StateInit State = iota
	StateLaunch
	StateWarmup
	StateNavigate
	StateAwaitCapture
	StateFinalize
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLaunch:
		return "launch"
	case StateWarmup:
		return "warmup"
	case StateNavigate:
		return "navigate"
	case StateAwaitCapture:
		return "await_capture"
	case StateFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request describes one page load.
type Request struct {
	URL            string
	Extensions     extension.Configuration
	Timeout        time.Duration
	ExtensionsWait time.Duration
}

// Bundle is the session output. HAR is null when no trace was captured.
type Bundle struct {
	HAR  json.RawMessage `json:"har"`
	Perf perf.Sample     `json:"perf"`
}

// Sampler collects performance counters around the page load.
type Sampler interface {
	Start(ctx context.Context) error
	Stop() perf.Sample
}

// Display is a virtual display a browser renders on.
type Display interface {
	Name() string
	Stop() error
}

// Config configures a Runner.
type Config struct {
	Family        browser.Family
	ExtensionsDir string
	TracePath     string
	PollInterval  time.Duration
	NavigateSlack time.Duration

	// NewSampler builds the sampler for a request timeout. Defaults to a
	// perf sampler.
	NewSampler func(timeout time.Duration) Sampler
	// StartDisplay starts a virtual display. Defaults to Xvfb.
	StartDisplay func(ctx context.Context) (Display, error)
}

// Runner executes sessions.
type Runner interface {
	Run(ctx context.Context, req Request) (*Bundle, error)
}

// NewRunner creates a runner for one browser family.
func NewRunner(log logrus.FieldLogger, cfg *Config, launcher browser.Launcher) Runner {
	log = log.WithField("component", "session")

	if cfg.ExtensionsDir == "" {
		cfg.ExtensionsDir = browser.DefaultExtensionsDir
	}

	if cfg.TracePath == "" {
		cfg.TracePath = capture.DefaultTracePath
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = capture.DefaultPollInterval
	}

	if cfg.NavigateSlack <= 0 {
		cfg.NavigateSlack = DefaultNavigateSlack
	}

	if cfg.NewSampler == nil {
		cfg.NewSampler = func(timeout time.Duration) Sampler {
			return perf.New(log, perf.Config{Duration: timeout + time.Second})
		}
	}

	if cfg.StartDisplay == nil {
		cfg.StartDisplay = func(ctx context.Context) (Display, error) {
			return display.Start(ctx, log, display.Config{})
		}
	}

	return &runner{
		log:      log,
		cfg:      cfg,
		launcher: launcher,
	}
}

type runner struct {
	log      logrus.FieldLogger
	cfg      *Config
	launcher browser.Launcher
}

// Run executes one session. An error is returned only when the browser
// could not be launched; every other failure still yields a bundle.
func (r *runner) Run(ctx context.Context, req Request) (bundle *Bundle, err error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	log := r.log.WithFields(logrus.Fields{
		"url":        req.URL,
		"extensions": req.Extensions.String(),
	})

	enter(log, StateInit)

	if err := capture.Clear(r.cfg.TracePath); err != nil {
		log.WithError(err).Warn("Failed to clear stale trace")
	}

	packages := extension.Resolve(log, r.cfg.ExtensionsDir, req.Extensions, r.cfg.Family.ExtensionSuffix)

	enter(log, StateLaunch)

	var disp Display

	if r.cfg.Family.NeedsDisplay {
		disp, err = r.cfg.StartDisplay(ctx)
		if err != nil {
			return nil, fmt.Errorf("starting display: %w", err)
		}
	}

	opts := browser.LaunchOptions{
		Extensions:      packages,
		PageLoadTimeout: req.Timeout,
	}

	if disp != nil {
		opts.Display = disp.Name()
	}

	b, err := r.launcher.Launch(ctx, opts)
	if err != nil {
		stopDisplay(log, disp)

		return nil, fmt.Errorf("launching %s: %w", r.cfg.Family.Name, err)
	}

	sampler := r.cfg.NewSampler(req.Timeout)

	defer func() {
		bundle = r.finalize(log, b, disp, sampler)
	}()

	r.measure(ctx, log, b, sampler, req)

	return nil, nil
}

// measure covers warmup, navigation and the capture wait.
func (r *runner) measure(ctx context.Context, log logrus.FieldLogger, b browser.Browser, sampler Sampler, req Request) {
	enter(log, StateWarmup)

	if req.ExtensionsWait > 0 {
		timer := time.NewTimer(req.ExtensionsWait)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	enter(log, StateNavigate)

	if err := sampler.Start(ctx); err != nil {
		log.WithError(err).Warn("Failed to start perf sampler")
	}

	started := time.Now()

	navCtx, cancel := context.WithTimeout(ctx, req.Timeout+r.cfg.NavigateSlack)
	err := b.Navigate(navCtx, req.URL)
	expired := errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	cancel()

	switch {
	case err == nil:
	case errors.Is(err, browser.ErrPageLoadTimeout), expired:
		log.Warn("Page did not finish loading before the timeout")
	default:
		log.WithError(err).Error("Navigation failed")
	}

	enter(log, StateAwaitCapture)

	if !capture.Await(ctx, r.cfg.TracePath, started.Add(req.Timeout), r.cfg.PollInterval) {
		log.WithField("waited", time.Since(started).Round(time.Millisecond)).Warn("Trace not exported before the timeout")
	}
}

func (r *runner) finalize(log logrus.FieldLogger, b browser.Browser, disp Display, sampler Sampler) *Bundle {
	enter(log, StateFinalize)

	bundle := &Bundle{Perf: sampler.Stop()}
	if bundle.Perf == nil {
		bundle.Perf = perf.Sample{}
	}

	if capture.Ready(r.cfg.TracePath) {
		har, err := capture.ReadTrace(r.cfg.TracePath)
		if err != nil {
			log.WithError(err).Error("Failed to read trace")
		} else {
			bundle.HAR = har
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := b.Quit(ctx); err != nil {
		log.WithError(err).Warn("Failed to quit browser")
	}

	stopDisplay(log, disp)

	log.WithFields(logrus.Fields{
		"trace":  bundle.HAR != nil,
		"events": len(bundle.Perf),
	}).Info("Session finished")

	return bundle
}

func stopDisplay(log logrus.FieldLogger, disp Display) {
	if disp == nil {
		return
	}

	if err := disp.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop display")
	}
}

func enter(log logrus.FieldLogger, s State) {
	log.WithField("state", s.String()).Debug("Session state")
}
