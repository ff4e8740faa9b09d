package podman

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/privacy-extensions/privext/pkg/docker"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// qualifyImageName ensures the image name is fully qualified for Podman.
// Locally built images live under localhost/.
func qualifyImageName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || parts[0] == "localhost") {
		return name
	}

	if len(parts) == 1 {
		return "localhost/" + name
	}

	return "docker.io/" + name
}

// manager implements docker.ContainerManager using Podman Go bindings.
type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.ContainerManager = (*manager)(nil)

// NewManager creates a new Podman container manager. An empty socket
// selects DefaultSocket.
func NewManager(log logrus.FieldLogger, socket string) (docker.ContainerManager, error) {
	if socket == "" {
		socket = DefaultSocket
	}

	return &manager{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}, nil
}

// Start initializes the Podman connection.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"runtime":  info.Host.OCIRuntime.Name,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop cleans up the Podman manager.
func (m *manager) Stop() error {
	return nil
}

// specFor converts a session spec into a Podman spec generator.
func specFor(spec *docker.SessionSpec) *specgen.SpecGenerator {
	s := &specgen.SpecGenerator{}
	s.Name = spec.Name
	s.Image = qualifyImageName(spec.Image)
	s.Command = spec.Command
	s.Labels = spec.Labels
	s.CapAdd = spec.CapAdd
	s.SeccompProfilePath = spec.SeccompProfile

	if spec.ShmSizeBytes > 0 {
		shm := spec.ShmSizeBytes
		s.ShmSize = &shm
	}

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	if len(spec.Mounts) > 0 {
		s.Mounts = make([]specs.Mount, 0, len(spec.Mounts))

		for _, mnt := range spec.Mounts {
			m := specs.Mount{
				Destination: mnt.Target,
				Source:      mnt.Source,
				Type:        "bind",
			}

			if mnt.ReadOnly {
				m.Options = append(m.Options, "ro")
			}

			s.Mounts = append(s.Mounts, m)
		}
	}

	// Sessions need outbound access for page loads.
	s.Networks = map[string]nettypes.PerNetworkOptions{
		"podman": {},
	}

	if spec.ResourceLimits != nil {
		s.ResourceLimits = &specs.LinuxResources{}

		if spec.ResourceLimits.CpusetCpus != "" {
			s.ResourceLimits.CPU = &specs.LinuxCPU{
				Cpus: spec.ResourceLimits.CpusetCpus,
			}
		}

		if spec.ResourceLimits.MemoryBytes > 0 {
			mem := spec.ResourceLimits.MemoryBytes
			s.ResourceLimits.Memory = &specs.LinuxMemory{
				Limit: &mem,
			}
		}
	}

	return s
}

// RunSession creates, starts and waits for a session container.
func (m *manager) RunSession(ctx context.Context, spec *docker.SessionSpec) (*docker.SessionResult, error) {
	log := m.log.WithField("container", spec.Name)

	resp, err := containers.CreateWithSpec(m.conn, specFor(spec), nil)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	containerID := resp.ID

	defer func() {
		if rmErr := m.RemoveContainer(context.Background(), containerID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove session container")
		}
	}()

	if err := containers.Start(m.conn, containerID, nil); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	// Derive a context from m.conn (carries Podman connection info) that
	// also cancels when the caller's ctx is cancelled.
	waitConn, cancel := context.WithCancel(m.conn)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-waitConn.Done():
		}
	}()

	exitCode, err := containers.Wait(waitConn, containerID, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", docker.ErrSessionCeiling, ctx.Err())
		}

		return nil, fmt.Errorf("waiting for container: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := m.collectLogs(containerID, &stdout, &stderr); err != nil {
		return nil, err
	}

	result := &docker.SessionResult{
		ExitCode: int64(exitCode),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}

	if inspect, err := containers.Inspect(m.conn, containerID, nil); err != nil {
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

// collectLogs copies the output of an exited container. Podman delivers
// logs line by line, so each line is re-terminated.
func (m *manager) collectLogs(containerID string, stdout, stderr io.Writer) error {
	follow := false
	showStdout := true
	showStderr := true

	stdoutCh := make(chan string, 100)
	stderrCh := make(chan string, 100)

	var wg sync.WaitGroup

	drain := func(ch <-chan string, w io.Writer) {
		defer wg.Done()

		for line := range ch {
			_, _ = io.WriteString(w, line+"\n")
		}
	}

	wg.Add(2)

	go drain(stdoutCh, stdout)
	go drain(stderrCh, stderr)

	err := containers.Logs(m.conn, containerID, &containers.LogOptions{
		Follow: &follow,
		Stdout: &showStdout,
		Stderr: &showStderr,
	}, stdoutCh, stderrCh)

	// Podman's Logs does not close the channels on return.
	close(stdoutCh)
	close(stderrCh)

	wg.Wait()

	if err != nil {
		return fmt.Errorf("getting container logs: %w", err)
	}

	return nil
}

// RemoveContainer force-removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(m.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// PullImage pulls a container image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	imageName = qualifyImageName(imageName)
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "missing" {
		if _, err := images.GetImage(m.conn, imageName, nil); err == nil {
			log.Debug("Image already exists (policy: missing)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(m.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// ListContainers returns all containers managed by privext.
func (m *manager) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {docker.LabelManagedBy + "=" + docker.ManagedByValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
