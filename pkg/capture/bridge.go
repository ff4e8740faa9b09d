// Package capture receives trace payloads from the browser's trace
// exporter and signals their availability through a sentinel file.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/privacy-extensions/privext/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTracePath is where the session runner expects the trace
	// inside the browser image.
	DefaultTracePath = "/home/seluser/measure/har.json"

	// DefaultMaxPayloadSize bounds a single framed payload.
	DefaultMaxPayloadSize = 512 * 1024 * 1024

	// SentinelSuffix is appended to the trace path to form the marker.
	SentinelSuffix = ".ready"

	prefixSize = 4
)

// ErrPayloadTooLarge is returned when a length prefix exceeds the limit.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// BridgeConfig configures a capture bridge.
type BridgeConfig struct {
	TracePath      string
	MaxPayloadSize uint32
	Owner          *fsutil.OwnerConfig
}

// Bridge reads length-prefixed payloads and persists each one as the
// current trace, followed by the ready marker.
type Bridge struct {
	log logrus.FieldLogger
	cfg BridgeConfig
}

// NewBridge creates a bridge writing to cfg.TracePath.
func NewBridge(log logrus.FieldLogger, cfg BridgeConfig) *Bridge {
	if cfg.TracePath == "" {
		cfg.TracePath = DefaultTracePath
	}

	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}

	return &Bridge{
		log: log.WithField("component", "capture-bridge"),
		cfg: cfg,
	}
}

// Serve processes frames from r until end of input or a zero-length
// prefix, both of which end cleanly. Any read or write failure stops the
// loop and is returned.
func (b *Bridge) Serve(r io.Reader) error {
	prefix := make([]byte, prefixSize)
	count := 0

	for {
		if _, err := io.ReadFull(r, prefix); err != nil {
			if errors.Is(err, io.EOF) {
				b.log.WithField("payloads", count).Debug("Input closed")

				return nil
			}

			return fmt.Errorf("reading length prefix: %w", err)
		}

		size := binary.NativeEndian.Uint32(prefix)
		if size == 0 {
			b.log.WithField("payloads", count).Debug("Received terminator")

			return nil
		}

		if size > b.cfg.MaxPayloadSize {
			return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, b.cfg.MaxPayloadSize)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("reading payload of %d bytes: %w", size, err)
		}

		if err := b.publish(payload); err != nil {
			return err
		}

		count++

		b.log.WithField("size", units.HumanSize(float64(size))).Info("Trace written")
	}
}

func (b *Bridge) publish(payload []byte) error {
	if err := fsutil.WriteFileAtomic(b.cfg.TracePath, payload, 0o644, b.cfg.Owner); err != nil {
		return fmt.Errorf("writing trace: %w", err)
	}

	if err := fsutil.Touch(SentinelPath(b.cfg.TracePath), b.cfg.Owner); err != nil {
		return fmt.Errorf("touching ready marker: %w", err)
	}

	return nil
}

// WriteFrame encodes payload with its native-order length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	prefix := make([]byte, prefixSize)
	binary.NativeEndian.PutUint32(prefix, uint32(len(payload)))

	if _, err := w.Write(prefix); err != nil {
		return err
	}

	_, err := w.Write(payload)

	return err
}

// SentinelPath returns the ready-marker path for tracePath.
func SentinelPath(tracePath string) string {
	return tracePath + SentinelSuffix
}

// Ready reports whether the ready marker for tracePath exists.
func Ready(tracePath string) bool {
	return fsutil.Exists(SentinelPath(tracePath))
}

// Clear removes any stale trace and marker from a previous session.
func Clear(tracePath string) error {
	for _, p := range []string{SentinelPath(tracePath), tracePath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}

	return nil
}
