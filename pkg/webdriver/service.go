package webdriver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second

	readyPollInterval = 100 * time.Millisecond
)

// ServiceConfig describes how to launch a driver executable.
type ServiceConfig struct {
	Binary string
	// PortArgs renders the listen-port flag(s) for the driver.
	PortArgs     func(port int) []string
	ExtraArgs    []string
	Env          []string
	StartTimeout time.Duration
}

// Service is a running driver executable.
type Service struct {
	log  logrus.FieldLogger
	cmd  *exec.Cmd
	done chan struct{}
	url  string
}

// StartService launches the driver on a free local port and waits until
// it reports ready.
func StartService(ctx context.Context, log logrus.FieldLogger, cfg ServiceConfig) (*Service, error) {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocating driver port: %w", err)
	}

	args := append(cfg.PortArgs(port), cfg.ExtraArgs...)

	cmd := exec.Command(cfg.Binary, args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Binary, err)
	}

	s := &Service{
		log:  log.WithField("component", "webdriver"),
		cmd:  cmd,
		done: make(chan struct{}),
		url:  "http://127.0.0.1:" + strconv.Itoa(port),
	}

	go func() {
		defer close(s.done)

		_ = cmd.Wait()
	}()

	if err := s.waitReady(ctx, cfg.StartTimeout); err != nil {
		_ = s.Stop()

		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"binary": cfg.Binary,
		"url":    s.url,
	}).Debug("Driver ready")

	return s, nil
}

// URL returns the driver endpoint.
func (s *Service) URL() string {
	return s.url
}

func (s *Service) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := NewClient(s.url, &http.Client{Timeout: time.Second})
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if ok, err := client.Ready(ctx); err == nil && ok {
			return nil
		}

		select {
		case <-s.done:
			return fmt.Errorf("driver exited before becoming ready")
		case <-ctx.Done():
			return fmt.Errorf("driver not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates the driver, killing it if it does not exit in time.
func (s *Service) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	_ = s.cmd.Process.Signal(os.Interrupt)

	select {
	case <-s.done:
	case <-time.After(DefaultStopTimeout):
		s.log.Warn("Driver did not exit in time, killing it")

		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("killing driver: %w", err)
		}

		<-s.done
	}

	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port, nil
}
