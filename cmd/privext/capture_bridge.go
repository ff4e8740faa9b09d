package main

import (
	"fmt"
	"math"
	"os"

	"github.com/docker/go-units"
	"github.com/privacy-extensions/privext/pkg/capture"
	"github.com/privacy-extensions/privext/pkg/fsutil"
	"github.com/spf13/cobra"
)

const traceEnvVar = "PRIVEXT_TRACE_PATH"

var (
	bridgeTracePath  string
	bridgeOwner      string
	bridgeMaxPayload string
)

var captureBridgeCmd = &cobra.Command{
	Use:   "capture-bridge",
	Short: "Receive traces from the browser's exporter on stdin",
	Long: `Read length-prefixed trace payloads from stdin and write each one to the
trace path, touching <trace-path>.ready afterwards. Started by the browser
as a native messaging host; any arguments the browser passes are ignored.`,
	Args: cobra.ArbitraryArgs,
	RunE: runCaptureBridge,
}

func init() {
	rootCmd.AddCommand(captureBridgeCmd)

	captureBridgeCmd.Flags().StringVar(&bridgeTracePath, "trace-path", defaultTracePath(),
		"trace file to write (defaults to $PRIVEXT_TRACE_PATH)")
	captureBridgeCmd.Flags().StringVar(&bridgeOwner, "owner", "",
		"UID:GID to own written files")
	captureBridgeCmd.Flags().StringVar(&bridgeMaxPayload, "max-payload", "512MiB",
		"largest accepted payload")
}

func runCaptureBridge(cmd *cobra.Command, args []string) error {
	// Stdout belongs to the browser.
	log.SetOutput(os.Stderr)

	owner, err := fsutil.ParseOwner(bridgeOwner)
	if err != nil {
		return fmt.Errorf("parsing owner: %w", err)
	}

	maxPayload, err := units.RAMInBytes(bridgeMaxPayload)
	if err != nil {
		return fmt.Errorf("parsing max payload: %w", err)
	}

	if maxPayload <= 0 || maxPayload > math.MaxUint32 {
		return fmt.Errorf("max payload %s out of range", bridgeMaxPayload)
	}

	bridge := capture.NewBridge(log, capture.BridgeConfig{
		TracePath:      bridgeTracePath,
		MaxPayloadSize: uint32(maxPayload),
		Owner:          owner,
	})

	if err := bridge.Serve(os.Stdin); err != nil {
		log.WithError(err).Error("Capture bridge stopped")

		return err
	}

	return nil
}

// defaultTracePath is shared by the bridge and the session so both agree
// on where the trace lands.
func defaultTracePath() string {
	if p := os.Getenv(traceEnvVar); p != "" {
		return p
	}

	return capture.DefaultTracePath
}
