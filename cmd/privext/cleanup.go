package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/privacy-extensions/privext/pkg/docker"
	"github.com/privacy-extensions/privext/pkg/orchestrator"
	"github.com/privacy-extensions/privext/pkg/podman"
	"github.com/spf13/cobra"
)

var forceCleanup bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove dangling privext session containers",
	Long: `Remove all session containers created by privext.
This is useful for cleaning up after interrupted experiments, when the
runner was killed before it could remove the session it was waiting on.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

// managedContainer associates a container with the manager that owns it.
type managedContainer struct {
	info docker.ContainerInfo
	mgr  docker.ContainerManager
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	managers := buildCleanupManagers(ctx)
	if len(managers) == 0 {
		return fmt.Errorf("no container runtimes available (tried Docker and Podman)")
	}

	defer func() {
		for _, mgr := range managers {
			if err := mgr.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container manager")
			}
		}
	}()

	return performCleanup(ctx, managers, forceCleanup)
}

// performCleanup lists and removes all privext session containers across
// the provided container managers.
func performCleanup(ctx context.Context, managers []docker.ContainerManager, force bool) error {
	var containers []managedContainer

	for _, mgr := range managers {
		cl, err := mgr.ListContainers(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list containers from a runtime")
		}

		for _, c := range cl {
			containers = append(containers, managedContainer{info: c, mgr: mgr})
		}
	}

	if len(containers) == 0 {
		log.Info("No privext containers found")

		return nil
	}

	fmt.Printf("\nContainers to be removed (%d):\n", len(containers))

	for _, c := range containers {
		fmt.Printf("  - %s (%s)", c.info.Name, shortContainerID(c.info.ID))

		if domain := c.info.Labels[orchestrator.LabelDomain]; domain != "" {
			fmt.Printf(" domain=%s", domain)
		}

		fmt.Println()
	}

	fmt.Println()

	if !force {
		fmt.Print("Are you sure you want to remove these containers? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	for _, c := range containers {
		log.WithField("container", c.info.Name).Info("Removing container")

		if err := c.mgr.RemoveContainer(ctx, c.info.ID); err != nil {
			log.WithError(err).WithField("container", c.info.Name).Warn("Failed to remove container")
		}
	}

	log.Info("Cleanup completed")

	return nil
}

// buildCleanupManagers tries to create and start container managers for both
// Docker and Podman. Runtimes that are unavailable (e.g. socket missing) are
// silently skipped. The caller is responsible for stopping all returned managers.
func buildCleanupManagers(ctx context.Context) []docker.ContainerManager {
	managers := make([]docker.ContainerManager, 0, 2)

	dockerMgr, err := docker.NewManager(log)
	if err != nil {
		log.WithError(err).Debug("Docker runtime not available for cleanup")
	} else if err := dockerMgr.Start(ctx); err != nil {
		log.WithError(err).Debug("Failed to start Docker manager for cleanup")
	} else {
		managers = append(managers, dockerMgr)
	}

	podmanMgr, err := podman.NewManager(log, "")
	if err != nil {
		log.WithError(err).Debug("Podman runtime not available for cleanup")
	} else if err := podmanMgr.Start(ctx); err != nil {
		log.WithError(err).Debug("Failed to start Podman manager for cleanup")
	} else {
		managers = append(managers, podmanMgr)
	}

	return managers
}

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
