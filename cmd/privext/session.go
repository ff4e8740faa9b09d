package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/privacy-extensions/privext/pkg/browser"
	"github.com/privacy-extensions/privext/pkg/extension"
	"github.com/privacy-extensions/privext/pkg/session"
	"github.com/spf13/cobra"
)

var (
	sessionBrowser        string
	sessionTimeout        int
	sessionExtensions     string
	sessionExtensionsWait int
	sessionExtensionsDir  string
	sessionTracePath      string
)

var sessionCmd = &cobra.Command{
	Use:   "session [flags] <url>",
	Short: "Measure one page load (session image entrypoint)",
	Long: `Launch the browser with the requested extensions, visit url once and
write the result bundle {"har": ..., "perf": ...} to stdout. Diagnostics go
to stderr. The command fails only when the browser cannot be launched.`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.Flags().StringVar(&sessionBrowser, "browser", os.Getenv("PRIVEXT_BROWSER"),
		"browser family (defaults to $PRIVEXT_BROWSER)")
	sessionCmd.Flags().IntVar(&sessionTimeout, "timeout", 30,
		"seconds to wait for the trace from navigation start")
	sessionCmd.Flags().StringVar(&sessionExtensions, "extensions", "",
		"comma-separated extension identifiers, empty for none")
	sessionCmd.Flags().IntVar(&sessionExtensionsWait, "extensions-wait", -1,
		"seconds to let extensions initialise before navigating (browser default when negative)")
	sessionCmd.Flags().StringVar(&sessionExtensionsDir, "extensions-dir", browser.DefaultExtensionsDir,
		"directory holding extension packages")
	sessionCmd.Flags().StringVar(&sessionTracePath, "trace-path", defaultTracePath(),
		"trace file written by the capture bridge (defaults to $PRIVEXT_TRACE_PATH)")
}

func runSession(cmd *cobra.Command, args []string) error {
	// Stdout carries the bundle.
	log.SetOutput(os.Stderr)

	family, err := browser.Lookup(sessionBrowser)
	if err != nil {
		return err
	}

	wait := family.DefaultExtensionsWait
	if sessionExtensionsWait >= 0 {
		wait = time.Duration(sessionExtensionsWait) * time.Second
	}

	runner := session.NewRunner(log, &session.Config{
		Family:        family,
		ExtensionsDir: sessionExtensionsDir,
		TracePath:     sessionTracePath,
	}, browser.NewLauncher(log, family))

	bundle, err := runner.Run(cmd.Context(), session.Request{
		URL:            args[0],
		Extensions:     extension.Parse(sessionExtensions),
		Timeout:        time.Duration(sessionTimeout) * time.Second,
		ExtensionsWait: wait,
	})
	if err != nil {
		return fmt.Errorf("running session: %w", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(bundle); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}

	return nil
}
