package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/privacy-extensions/privext/pkg/archive"
	"github.com/privacy-extensions/privext/pkg/browser"
	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/privacy-extensions/privext/pkg/docker"
	"github.com/privacy-extensions/privext/pkg/orchestrator"
	"github.com/privacy-extensions/privext/pkg/podman"
	"github.com/privacy-extensions/privext/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <log-path> <db-config> <domains-file> <experiment-id> <browser>",
	Short: "Run an experiment",
	Long: `Measure every domain in domains-file under every extension configuration
using the given browser (` + strings.Join(browser.Names(), ", ") + `). Each session runs in
its own container and its sanitized trace is stored under experiment-id.
Logs are written to stdout and appended to log-path.`,
	Args: cobra.ExactArgs(5),
	RunE: runExperiment,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	logPath, dbConfigPath, domainsPath := args[0], args[1], args[2]

	experiment, err := uuid.Parse(args[3])
	if err != nil {
		return fmt.Errorf("invalid experiment id %q: %w", args[3], err)
	}

	family, err := browser.Lookup(args[4])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	defer log.SetOutput(os.Stdout)

	dbCfg, err := config.LoadDatabase(dbConfigPath)
	if err != nil {
		return fmt.Errorf("loading database config: %w", err)
	}

	domains, err := orchestrator.LoadDomains(domainsPath)
	if err != nil {
		return fmt.Errorf("loading domains: %w", err)
	}

	if len(domains) == 0 {
		return fmt.Errorf("no domains in %s", domainsPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	containerMgr, err := newContainerManager(cfg.Global.Runtime)
	if err != nil {
		return fmt.Errorf("creating container manager: %w", err)
	}

	if err := containerMgr.Start(ctx); err != nil {
		return fmt.Errorf("starting container manager: %w", err)
	}

	defer func() {
		if err := containerMgr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop container manager")
		}
	}()

	if cfg.Global.CleanupOnStart {
		log.Info("Performing cleanup before start")

		if err := performCleanup(ctx, []docker.ContainerManager{containerMgr}, true); err != nil {
			log.WithError(err).Warn("Cleanup failed")
		}
	}

	image := cfg.Image(family.Name)
	if err := containerMgr.PullImage(ctx, image, cfg.Experiment.PullPolicy); err != nil {
		return fmt.Errorf("preparing image %s: %w", image, err)
	}

	st := store.NewStore(log, dbCfg)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	// Fail fast: verify the archive bucket is writable before any session runs.
	var arch archive.Archiver

	if s3 := cfg.Archive.S3; s3 != nil && s3.Enabled {
		arch = archive.NewS3Archiver(log, s3)

		if err := arch.Preflight(ctx); err != nil {
			return fmt.Errorf("archive preflight check failed: %w", err)
		}

		log.Info("Archive preflight check passed")
	}

	orch := orchestrator.NewOrchestrator(log, orchestratorConfig(cfg, experiment, family, image),
		containerMgr, st, arch)

	log.WithFields(logrus.Fields{
		"experiment": experiment,
		"browser":    family.Name,
		"domains":    len(domains),
	}).Info("Starting experiment")

	summary, err := orch.Run(ctx, domains)
	if summary != nil {
		log.WithFields(logrus.Fields{
			"attempts": summary.Attempts,
			"stored":   summary.Stored,
			"errored":  summary.Errored,
			"failed":   summary.Failed,
		}).Info("Experiment finished")
	}

	if err != nil {
		return fmt.Errorf("running experiment: %w", err)
	}

	return nil
}

func orchestratorConfig(
	cfg *config.Config,
	experiment uuid.UUID,
	family browser.Family,
	image string,
) *orchestrator.Config {
	oc := &orchestrator.Config{
		Experiment:     experiment,
		Family:         family,
		Image:          image,
		SeccompProfile: cfg.Experiment.SeccompProfile,
		Timeout:        cfg.Timeout(),
		CeilingSlack:   cfg.CeilingSlack(),
		Configurations: cfg.Configurations(),
		Parallelism:    cfg.Experiment.Parallelism,
		LaunchRate:     cfg.Experiment.LaunchRate,
		SkipWarmup:     cfg.Experiment.SkipWarmup,
		NoShuffle:      cfg.Experiment.NoShuffle,
		Env:            cfg.Experiment.Environment,
	}

	if d, ok := cfg.ExtensionsWait(); ok {
		oc.ExtensionsWait = &d
	}

	if mem, cpus := cfg.MemoryBytes(), cfg.Experiment.Resources.CPUSetCPUs; mem > 0 || cpus != "" {
		oc.Resources = &docker.ResourceLimits{
			CpusetCpus:  cpus,
			MemoryBytes: mem,
		}
	}

	return oc
}

// newContainerManager creates the manager for the configured runtime.
func newContainerManager(runtime string) (docker.ContainerManager, error) {
	switch runtime {
	case "podman":
		return podman.NewManager(log, "")
	default:
		return docker.NewManager(log)
	}
}
