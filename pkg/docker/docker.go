package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

const (
	// LabelManagedBy marks containers started by privext.
	LabelManagedBy = "privext.managed-by"

	// ManagedByValue is the value of LabelManagedBy.
	ManagedByValue = "privext"
)

// ErrSessionCeiling is returned when a session container outlives its
// context and is force-removed.
var ErrSessionCeiling = errors.New("session exceeded its time ceiling")

// ContainerManager runs sandboxed browser sessions.
type ContainerManager interface {
	Start(ctx context.Context) error
	Stop() error

	// PullImage pulls an image according to policy (always, missing, never).
	PullImage(ctx context.Context, imageName string, policy string) error

	// RunSession runs a container to completion and returns its exit code
	// and demultiplexed output. The container is always removed. When ctx
	// ends first the error wraps ErrSessionCeiling.
	RunSession(ctx context.Context, spec *SessionSpec) (*SessionResult, error)

	// Cleanup operations.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// ResourceLimits defines container resource constraints.
type ResourceLimits struct {
	CpusetCpus  string // Comma-separated CPU IDs (e.g., "0,1,2")
	MemoryBytes int64
}

// SessionSpec defines a session container.
type SessionSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	Labels         map[string]string
	CapAdd         []string
	SeccompProfile string // Path to a seccomp JSON profile, empty for runtime default.
	ShmSizeBytes   int64
	Mounts         []Mount
	ResourceLimits *ResourceLimits
}

// Mount defines a bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// SessionResult is the outcome of a finished session container.
type SessionResult struct {
	ExitCode  int64
	OOMKilled bool
	Stdout    []byte
	Stderr    []byte
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger) (ContainerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ ContainerManager = (*manager)(nil)

// Start initializes the Docker manager.
func (m *manager) Start(ctx context.Context) error {
	_, err := m.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop cleans up the Docker manager.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// RunSession creates, starts and waits for a session container.
func (m *manager) RunSession(ctx context.Context, spec *SessionSpec) (*SessionResult, error) {
	log := m.log.WithField("container", spec.Name)

	containerID, err := m.createContainer(ctx, spec)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rmErr := m.RemoveContainer(context.Background(), containerID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove session container")
		}
	}()

	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	statusCh, errCh := m.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var exitCode int64

	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionCeiling, ctx.Err())
		}

		return nil, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrSessionCeiling, ctx.Err())
	}

	var stdout, stderr bytes.Buffer
	if err := m.collectLogs(ctx, containerID, &stdout, &stderr); err != nil {
		return nil, err
	}

	result := &SessionResult{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}

	if inspect, err := m.client.ContainerInspect(ctx, containerID); err != nil {
		log.WithError(err).Warn("Failed to inspect container for OOM status")
	} else if inspect.State != nil {
		result.OOMKilled = inspect.State.OOMKilled
	}

	log.WithFields(logrus.Fields{
		"exit_code":  exitCode,
		"oom_killed": result.OOMKilled,
	}).Debug("Session container finished")

	return result, nil
}

// createContainer creates a new container from the spec.
func (m *manager) createContainer(ctx context.Context, spec *SessionSpec) (string, error) {
	containerCfg, hostCfg, err := containerConfigs(spec)
	if err != nil {
		return "", err
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"id":        shortID(resp.ID),
	}).Debug("Created container")

	return resp.ID, nil
}

// containerConfigs translates a session spec into Docker create options.
// The seccomp profile is read from disk and passed inline, as the CLI does.
func containerConfigs(spec *SessionSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, mnt := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	securityOpt := make([]string, 0, 1)

	if spec.SeccompProfile != "" {
		profile, err := os.ReadFile(spec.SeccompProfile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading seccomp profile: %w", err)
		}

		securityOpt = append(securityOpt, "seccomp="+string(profile))
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
		Cmd:    spec.Command,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		CapAdd:      spec.CapAdd,
		SecurityOpt: securityOpt,
		ShmSize:     spec.ShmSizeBytes,
	}

	if spec.ResourceLimits != nil {
		hostCfg.CpusetCpus = spec.ResourceLimits.CpusetCpus
		hostCfg.Memory = spec.ResourceLimits.MemoryBytes
	}

	return containerCfg, hostCfg, nil
}

// collectLogs copies the output of an exited container.
func (m *manager) collectLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	reader, err := m.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Errorf("getting container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("copying logs: %w", err)
	}

	return nil
}

// RemoveContainer force-removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// PullImage pulls a Docker image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "missing" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: missing)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// ListContainers returns all containers managed by privext.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}

// shortID truncates a container ID for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
