// Package browser describes the supported browser families and launches
// them under WebDriver control.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/privacy-extensions/privext/pkg/webdriver"
)

const (
	// MeasureDir holds the companion exporter, extensions and trace
	// inside the session image.
	MeasureDir = "/home/seluser/measure"

	// DefaultExtensionsDir is searched for extension packages.
	DefaultExtensionsDir = MeasureDir + "/extensions"
)

// ErrPageLoadTimeout is returned by Browser.Navigate when the page did not
// finish loading in time. Sessions treat it as a warning.
var ErrPageLoadTimeout = webdriver.ErrPageLoadTimeout

// Browser is a launched browser instance.
type Browser interface {
	// Navigate loads url once and blocks until load or page-load timeout.
	Navigate(ctx context.Context, url string) error
	Quit(ctx context.Context) error
}

// LaunchOptions configures a single browser launch.
type LaunchOptions struct {
	// Extensions are resolved package paths, installed in order after the
	// companion exporter.
	Extensions      []string
	PageLoadTimeout time.Duration
	// Display is the X display to render on, empty when headless.
	Display string
}

// Launcher starts browsers of one family.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Family holds the fixed per-browser settings.
type Family struct {
	Name string
	// ExtensionSuffix is the package extension matched when resolving
	// extension identifiers, including the dot.
	ExtensionSuffix       string
	DefaultExtensionsWait time.Duration
	Headless              bool
	NeedsDisplay          bool
	// Companion is the trace exporter extension, always installed first.
	Companion string
	Binary    string
	Driver    string
	// InstallAfterLaunch installs extensions through the driver once the
	// session exists instead of passing them as capabilities.
	InstallAfterLaunch bool

	driverArgs   func(port int) []string
	capabilities func(f Family, packages []string) (map[string]any, error)
}

var families = map[string]Family{
	"firefox": {
		Name:                  "firefox",
		ExtensionSuffix:       ".xpi",
		DefaultExtensionsWait: time.Second,
		Headless:              true,
		Companion:             MeasureDir + "/harexporttrigger-0.6.2-fx.xpi",
		Binary:                "/opt/firefox/firefox-bin",
		Driver:                "geckodriver",
		InstallAfterLaunch:    true,
		driverArgs: func(port int) []string {
			return []string{"--port", strconv.Itoa(port)}
		},
		capabilities: firefoxCapabilities,
	},
	"chrome": {
		Name:                  "chrome",
		ExtensionSuffix:       ".crx",
		DefaultExtensionsWait: 15 * time.Second,
		NeedsDisplay:          true,
		Companion:             MeasureDir + "/harexporttrigger-0.6.3.crx",
		Binary:                "/usr/bin/google-chrome-stable",
		Driver:                "chromedriver",
		driverArgs: func(port int) []string {
			return []string{"--port=" + strconv.Itoa(port)}
		},
		capabilities: chromeCapabilities,
	},
}

// Lookup returns the family for name.
func Lookup(name string) (Family, error) {
	f, ok := families[name]
	if !ok {
		return Family{}, fmt.Errorf("unsupported browser %q (supported: %v)", name, Names())
	}

	return f, nil
}

// Names returns the supported browser names, sorted.
func Names() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Capabilities renders the WebDriver capabilities for a launch. For
// families that take extensions as capabilities, packages are embedded.
func (f Family) Capabilities(packages []string) (map[string]any, error) {
	return f.capabilities(f, packages)
}

// Packages returns the companion followed by the given extension packages.
func (f Family) Packages(extensions []string) []string {
	out := make([]string, 0, len(extensions)+1)
	out = append(out, f.Companion)

	return append(out, extensions...)
}

func firefoxCapabilities(f Family, _ []string) (map[string]any, error) {
	args := []string{"-devtools"}
	if f.Headless {
		args = append(args, "-headless")
	}

	return map[string]any{
		"browserName": "firefox",
		"moz:firefoxOptions": map[string]any{
			"binary": f.Binary,
			"args":   args,
			"prefs": map[string]any{
				"devtools.toolbox.selectedTool": "netmonitor",
			},
		},
	}, nil
}

func chromeCapabilities(f Family, packages []string) (map[string]any, error) {
	encoded := make([]string, 0, len(packages))

	for _, p := range packages {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading extension %s: %w", p, err)
		}

		encoded = append(encoded, base64.StdEncoding.EncodeToString(data))
	}

	args := []string{"no-sandbox", "auto-open-devtools-for-tabs"}
	if f.Headless {
		args = append(args, "headless=new")
	}

	return map[string]any{
		"browserName": "chrome",
		"goog:chromeOptions": map[string]any{
			"binary":     f.Binary,
			"args":       args,
			"extensions": encoded,
		},
	}, nil
}
