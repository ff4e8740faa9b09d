package extension

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
		str   string
	}{
		{name: "empty", input: "", want: []string{}, str: ""},
		{name: "whitespace", input: "  ", want: []string{}, str: ""},
		{name: "single", input: "ublock_origin", want: []string{"ublock_origin"}, str: "ublock_origin"},
		{
			name:  "combination keeps order",
			input: "decentraleyes,privacy_badger,ublock_origin",
			want:  []string{"decentraleyes", "privacy_badger", "ublock_origin"},
			str:   "decentraleyes,privacy_badger,ublock_origin",
		},
		{name: "blank items dropped", input: "a,,b, ", want: []string{"a", "b"}, str: "a,b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Parse(tt.input)
			assert.Equal(t, tt.want, cfg.Names())
			assert.Equal(t, tt.str, cfg.String())
			assert.Equal(t, len(tt.want) == 0, cfg.IsEmpty())
		})
	}
}

func TestConfigurationText(t *testing.T) {
	var cfg Configuration

	require.NoError(t, cfg.UnmarshalText([]byte("a,b")))
	text, err := cfg.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(text))
}

func TestDefaultConfigurations(t *testing.T) {
	cfgs := DefaultConfigurations()

	require.Len(t, cfgs, 10)
	assert.True(t, cfgs[0].IsEmpty())
	assert.Equal(t, "decentraleyes,privacy_badger,ublock_origin", cfgs[len(cfgs)-1].String())
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"ublock_origin-1.52.xpi",
		"privacy_badger-2023.xpi",
		"privacy_badger-2024.xpi",
		"decentraleyes.crx",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	tests := []struct {
		name string
		cfg  Configuration
		want []string
	}{
		{name: "empty", cfg: Configuration{}, want: []string{}},
		{
			name: "unique match",
			cfg:  NewConfiguration("ublock_origin"),
			want: []string{filepath.Join(dir, "ublock_origin-1.52.xpi")},
		},
		{name: "ambiguous match skipped", cfg: NewConfiguration("privacy_badger"), want: []string{}},
		{name: "wrong suffix skipped", cfg: NewConfiguration("decentraleyes"), want: []string{}},
		{name: "unknown skipped", cfg: NewConfiguration("nope"), want: []string{}},
		{
			name: "mixed keeps resolvable",
			cfg:  NewConfiguration("nope", "ublock_origin", "privacy_badger"),
			want: []string{filepath.Join(dir, "ublock_origin-1.52.xpi")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(log, dir, tt.cfg, ".xpi"))
		})
	}
}

func TestAvailable(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ublock_origin-1.52.xpi", "noscript@x.xpi", "adblock_plus.xpi", "other.crx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	names, err := Available(dir, ".xpi")
	require.NoError(t, err)
	assert.Equal(t, []string{"adblock_plus", "noscript", "ublock_origin"}, names)
}
