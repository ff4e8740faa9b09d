// Package extension models extension configurations and resolves
// extension identifiers to installable package files.
package extension

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Configuration is an ordered list of extension identifiers loaded
// together in one browser session. The zero value means no extensions.
type Configuration struct {
	names []string
}

// NewConfiguration builds a configuration from names, dropping blanks.
func NewConfiguration(names ...string) Configuration {
	out := make([]string, 0, len(names))

	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, n)
		}
	}

	return Configuration{names: out}
}

// Parse reads a comma-joined configuration. An empty string yields the
// empty configuration.
func Parse(s string) Configuration {
	if strings.TrimSpace(s) == "" {
		return Configuration{}
	}

	return NewConfiguration(strings.Split(s, ",")...)
}

// Names returns a copy of the extension identifiers in order.
func (c Configuration) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)

	return out
}

// IsEmpty reports whether no extensions are configured.
func (c Configuration) IsEmpty() bool {
	return len(c.names) == 0
}

// String renders the configuration comma-joined. This is the value
// stored alongside each result.
func (c Configuration) String() string {
	return strings.Join(c.names, ",")
}

// MarshalText implements encoding.TextMarshaler.
func (c Configuration) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Configuration) UnmarshalText(text []byte) error {
	*c = Parse(string(text))

	return nil
}

// DefaultConfigurations is the configuration set measured when none is
// given: the baseline, each extension alone, and one combination.
func DefaultConfigurations() []Configuration {
	return []Configuration{
		{},
		NewConfiguration("adblock_plus"),
		NewConfiguration("decentraleyes"),
		NewConfiguration("disconnect"),
		NewConfiguration("ghostery_privacy_ad_blocker"),
		NewConfiguration("https_everywhere"),
		NewConfiguration("noscript_security_suite"),
		NewConfiguration("privacy_badger"),
		NewConfiguration("ublock_origin"),
		NewConfiguration("decentraleyes", "privacy_badger", "ublock_origin"),
	}
}

// Resolve maps each identifier to the single file in dir matching
// "<name>*<suffix>". Identifiers with zero or several matches are skipped.
func Resolve(log logrus.FieldLogger, dir string, cfg Configuration, suffix string) []string {
	paths := make([]string, 0, len(cfg.names))

	for _, name := range cfg.names {
		matches, err := filepath.Glob(filepath.Join(dir, globEscape(name)+"*"+suffix))
		if err != nil || len(matches) != 1 {
			log.WithFields(logrus.Fields{
				"extension": name,
				"matches":   len(matches),
			}).Debug("Skipping extension without a unique package")

			continue
		}

		paths = append(paths, matches[0])
	}

	return paths
}

// Available lists the identifiers with a package file in dir, derived
// from the file names up to the first '-' or '@'.
func Available(dir, suffix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))

	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), suffix)
		if i := strings.IndexAny(base, "-@"); i > 0 {
			base = base[:i]
		}

		if _, ok := seen[base]; ok {
			continue
		}

		seen[base] = struct{}{}
		names = append(names, base)
	}

	sort.Strings(names)

	return names, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)

	return r.Replace(s)
}
