// Package orchestrator drives an experiment: every domain is measured
// under every extension configuration, one sandboxed session per pair.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/privacy-extensions/privext/pkg/archive"
	"github.com/privacy-extensions/privext/pkg/browser"
	"github.com/privacy-extensions/privext/pkg/docker"
	"github.com/privacy-extensions/privext/pkg/extension"
	"github.com/privacy-extensions/privext/pkg/sanitize"
	"github.com/privacy-extensions/privext/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// LabelExperiment carries the experiment id on session containers.
	LabelExperiment = "privext.experiment"

	// LabelDomain carries the measured domain on session containers.
	LabelDomain = "privext.domain"

	DefaultTimeout      = 30 * time.Second
	DefaultCeilingSlack = 60 * time.Second
	DefaultShmSize      = 2 << 30
)

// Config configures an experiment run.
type Config struct {
	Experiment     uuid.UUID
	Family         browser.Family
	Image          string
	SeccompProfile string
	Timeout        time.Duration
	// ExtensionsWait overrides the family default when set.
	ExtensionsWait *time.Duration
	CeilingSlack   time.Duration
	Configurations []extension.Configuration
	Parallelism    int
	// LaunchRate caps session launches per second, 0 for no cap.
	LaunchRate   float64
	SkipWarmup   bool
	NoShuffle    bool
	Env          map[string]string
	Resources    *docker.ResourceLimits
	ShmSizeBytes int64
}

// Summary counts attempt outcomes of a run.
type Summary struct {
	Attempts int
	Stored   int
	// Errored counts stored records that carry har_error.
	Errored int
	Failed  int
	Elapsed time.Duration
}

// Orchestrator runs experiments.
type Orchestrator interface {
	Run(ctx context.Context, domains []string) (*Summary, error)
}

// NewOrchestrator creates an orchestrator. arch may be nil to disable
// archiving of raw output.
func NewOrchestrator(
	log logrus.FieldLogger,
	cfg *Config,
	containers docker.ContainerManager,
	st store.Store,
	arch archive.Archiver,
) Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.CeilingSlack <= 0 {
		cfg.CeilingSlack = DefaultCeilingSlack
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	if cfg.ShmSizeBytes == 0 {
		cfg.ShmSizeBytes = DefaultShmSize
	}

	if cfg.Configurations == nil {
		cfg.Configurations = extension.DefaultConfigurations()
	}

	o := &orchestrator{
		log:        log.WithField("component", "orchestrator"),
		cfg:        cfg,
		containers: containers,
		store:      st,
		archive:    arch,
		shuffle:    rand.Shuffle,
	}

	if cfg.LaunchRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), 1)
	}

	return o
}

type orchestrator struct {
	log        logrus.FieldLogger
	cfg        *Config
	containers docker.ContainerManager
	store      store.Store
	archive    archive.Archiver
	limiter    *rate.Limiter
	shuffle    func(n int, swap func(i, j int))

	mu      sync.Mutex
	summary Summary
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeErrored
	outcomeFailed
	outcomeWarmup
)

// Run measures every domain. Domain order and configuration order are
// shuffled unless disabled. Individual attempt failures are logged and
// counted; only cancellation ends the run early.
func (o *orchestrator) Run(ctx context.Context, domains []string) (*Summary, error) {
	start := time.Now()

	domains = append([]string(nil), domains...)
	o.maybeShuffle(len(domains), func(i, j int) { domains[i], domains[j] = domains[j], domains[i] })

	o.log.WithFields(logrus.Fields{
		"experiment":     o.cfg.Experiment,
		"browser":        o.cfg.Family.Name,
		"domains":        len(domains),
		"configurations": len(o.cfg.Configurations),
		"parallelism":    o.cfg.Parallelism,
	}).Info("Starting new run")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)

	for _, domain := range domains {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			return o.runDomain(gctx, domain)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	o.mu.Lock()
	summary := o.summary
	o.mu.Unlock()

	summary.Elapsed = time.Since(start)

	o.log.WithFields(logrus.Fields{
		"attempts": summary.Attempts,
		"stored":   summary.Stored,
		"errored":  summary.Errored,
		"failed":   summary.Failed,
	}).Infof("Elapsed time: %.3f seconds", summary.Elapsed.Seconds())

	if err != nil {
		return &summary, fmt.Errorf("run interrupted: %w", err)
	}

	return &summary, nil
}

// runDomain warms the upstream DNS cache with an unpersisted visit and
// then measures every configuration.
func (o *orchestrator) runDomain(ctx context.Context, domain string) error {
	if !o.cfg.SkipWarmup {
		o.attempt(ctx, domain, extension.Configuration{}, false)
	}

	configs := append([]extension.Configuration(nil), o.cfg.Configurations...)
	o.maybeShuffle(len(configs), func(i, j int) { configs[i], configs[j] = configs[j], configs[i] })

	for _, c := range configs {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.attempt(ctx, domain, c, true)
	}

	return ctx.Err()
}

func (o *orchestrator) maybeShuffle(n int, swap func(i, j int)) {
	if o.cfg.NoShuffle {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.shuffle(n, swap)
}

func (o *orchestrator) attempt(ctx context.Context, domain string, cfg extension.Configuration, persist bool) {
	log := o.log.WithFields(logrus.Fields{
		"browser":    o.cfg.Family.Name,
		"extensions": cfg.String(),
		"domain":     domain,
	})

	if !persist {
		log = log.WithField("warmup", true)
	}

	log.Infof("Collecting extended HAR via %s with '%s' for '%s'", o.cfg.Family.Name, cfg.String(), domain)

	out := o.measure(ctx, log, domain, cfg, persist)

	o.mu.Lock()
	defer o.mu.Unlock()

	if out == outcomeWarmup {
		return
	}

	o.summary.Attempts++

	switch out {
	case outcomeStored:
		o.summary.Stored++
	case outcomeErrored:
		o.summary.Stored++
		o.summary.Errored++
	case outcomeFailed:
		o.summary.Failed++
	}
}

func (o *orchestrator) measure(
	ctx context.Context,
	log logrus.FieldLogger,
	domain string,
	cfg extension.Configuration,
	persist bool,
) outcome {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			log.WithError(err).Warn("Launch cancelled")

			return outcomeFailed
		}
	}

	wait := o.extensionsWait()

	ceilCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout+wait+o.cfg.CeilingSlack)
	defer cancel()

	started := time.Now()

	res, err := o.containers.RunSession(ceilCtx, o.sessionSpec(domain, cfg, wait))
	if err != nil {
		if errors.Is(err, docker.ErrSessionCeiling) {
			log.WithError(err).Error("Session exceeded its ceiling and was removed")
		} else {
			log.WithError(err).Error("Error in container")
		}

		return outcomeFailed
	}

	log = log.WithField("duration", time.Since(started).Round(time.Millisecond))

	if res.ExitCode != 0 {
		log.WithFields(logrus.Fields{
			"exit_code":  res.ExitCode,
			"oom_killed": res.OOMKilled,
			"stderr":     tail(res.Stderr, 512),
		}).Error("Session exited with an error")

		return outcomeFailed
	}

	if !persist {
		log.Debug("Warm-up visit finished")

		return outcomeWarmup
	}

	result := sanitize.Sanitize(res.Stdout, res.Stderr)
	if !result.OK() {
		log.WithField("har_error", *result.Error).Warn("Session produced no usable trace")
	}

	id, err := o.store.Insert(ctx, &store.NewRecord{
		Experiment: o.cfg.Experiment,
		Browser:    o.cfg.Family.Name,
		Extensions: cfg.String(),
		Domain:     domain,
		HAR:        result.Document,
		HARError:   result.Error,
	})
	if err != nil {
		log.WithError(err).Error("Failed to save extended HAR")

		return outcomeFailed
	}

	log.WithField("har_uuid", id).Infof("Saved extended HAR via %s with '%s' for '%s'",
		o.cfg.Family.Name, cfg.String(), domain)

	if o.archive != nil {
		if _, err := o.archive.Put(ctx, &archive.Object{
			Experiment: o.cfg.Experiment,
			Browser:    o.cfg.Family.Name,
			Extensions: cfg.String(),
			Domain:     domain,
			ID:         id,
			Stdout:     res.Stdout,
		}); err != nil {
			log.WithError(err).Warn("Failed to archive raw output")
		}
	}

	if !result.OK() {
		return outcomeErrored
	}

	return outcomeStored
}

func (o *orchestrator) extensionsWait() time.Duration {
	if o.cfg.ExtensionsWait != nil {
		return *o.cfg.ExtensionsWait
	}

	return o.cfg.Family.DefaultExtensionsWait
}

// sessionSpec builds the container for one attempt. The image entrypoint
// is the session command.
func (o *orchestrator) sessionSpec(domain string, cfg extension.Configuration, wait time.Duration) *docker.SessionSpec {
	return &docker.SessionSpec{
		Name:  fmt.Sprintf("privext-%s-%s", o.cfg.Family.Name, uuid.NewString()[:8]),
		Image: o.cfg.Image,
		Command: []string{
			"--timeout", seconds(o.cfg.Timeout),
			"--extensions", cfg.String(),
			"--extensions-wait", seconds(wait),
			URL(domain),
		},
		Env: o.cfg.Env,
		Labels: map[string]string{
			docker.LabelManagedBy: docker.ManagedByValue,
			LabelExperiment:       o.cfg.Experiment.String(),
			LabelDomain:           domain,
		},
		CapAdd:         []string{"SYS_ADMIN"},
		SeccompProfile: o.cfg.SeccompProfile,
		ShmSizeBytes:   o.cfg.ShmSizeBytes,
		ResourceLimits: o.cfg.Resources,
	}
}

// URL turns a domain from the domains list into the URL visited.
func URL(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}

	return "http://" + domain
}

// seconds renders d as whole seconds, rounding up.
func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}

	return s
}
