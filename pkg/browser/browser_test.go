package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/privacy-extensions/privext/pkg/webdriver"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		wantErr    bool
		wantSuffix string
		wantWait   time.Duration
		wantXvfb   bool
	}{
		{name: "firefox", wantSuffix: ".xpi", wantWait: time.Second},
		{name: "chrome", wantSuffix: ".crx", wantWait: 15 * time.Second, wantXvfb: true},
		{name: "safari", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Lookup(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported browser")

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.name, f.Name)
			assert.Equal(t, tt.wantSuffix, f.ExtensionSuffix)
			assert.Equal(t, tt.wantWait, f.DefaultExtensionsWait)
			assert.Equal(t, tt.wantXvfb, f.NeedsDisplay)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"chrome", "firefox"}, Names())
}

func TestPackagesCompanionFirst(t *testing.T) {
	f, err := Lookup("firefox")
	require.NoError(t, err)

	got := f.Packages([]string{"/ext/a.xpi", "/ext/b.xpi"})
	assert.Equal(t, []string{f.Companion, "/ext/a.xpi", "/ext/b.xpi"}, got)
}

func TestFirefoxCapabilities(t *testing.T) {
	f, err := Lookup("firefox")
	require.NoError(t, err)

	caps, err := f.Capabilities(f.Packages(nil))
	require.NoError(t, err)

	assert.Equal(t, "firefox", caps["browserName"])

	opts := caps["moz:firefoxOptions"].(map[string]any)
	assert.Equal(t, []string{"-devtools", "-headless"}, opts["args"])
	assert.Equal(t, "netmonitor", opts["prefs"].(map[string]any)["devtools.toolbox.selectedTool"])
}

func TestChromeCapabilities(t *testing.T) {
	dir := t.TempDir()
	companion := filepath.Join(dir, "companion.crx")
	ext := filepath.Join(dir, "ublock_origin.crx")

	require.NoError(t, os.WriteFile(companion, []byte("companion"), 0o644))
	require.NoError(t, os.WriteFile(ext, []byte("ublock"), 0o644))

	f, err := Lookup("chrome")
	require.NoError(t, err)

	f.Companion = companion

	caps, err := f.Capabilities(f.Packages([]string{ext}))
	require.NoError(t, err)

	opts := caps["goog:chromeOptions"].(map[string]any)
	assert.Equal(t, []string{"no-sandbox", "auto-open-devtools-for-tabs"}, opts["args"])
	assert.Equal(t, "/usr/bin/google-chrome-stable", opts["binary"])
	assert.Equal(t, []string{
		base64.StdEncoding.EncodeToString([]byte("companion")),
		base64.StdEncoding.EncodeToString([]byte("ublock")),
	}, opts["extensions"])

	_, err = f.Capabilities([]string{filepath.Join(dir, "missing.crx")})
	assert.Error(t, err)
}

type fakeService struct {
	url     string
	stopped bool
}

func (f *fakeService) URL() string { return f.url }

func (f *fakeService) Stop() error {
	f.stopped = true

	return nil
}

type driverLog struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (d *driverLog) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		d.mu.Lock()
		call := r.Method + " " + r.URL.Path
		if p, ok := body["path"].(string); ok {
			call += " " + filepath.Base(p)
		}

		d.calls = append(d.calls, call)
		fail := d.fail
		d.mu.Unlock()

		if fail != "" && r.URL.Path == fail {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"value":{"error":"unknown error","message":"install failed"}}`))

			return
		}

		if r.URL.Path == "/session" {
			_, _ = w.Write([]byte(`{"value":{"sessionId":"s1"}}`))

			return
		}

		_, _ = w.Write([]byte(`{"value":null}`))
	})
}

func (d *driverLog) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.calls...)
}

func newTestLauncher(t *testing.T, family Family, fail string) (*launcher, *driverLog, *fakeService) {
	t.Helper()

	dl := &driverLog{fail: fail}
	srv := httptest.NewServer(dl.handler())
	t.Cleanup(srv.Close)

	svc := &fakeService{url: srv.URL}

	return &launcher{
		log:    logrus.New(),
		family: family,
		start: func(context.Context, logrus.FieldLogger, webdriver.ServiceConfig) (driverService, error) {
			return svc, nil
		},
	}, dl, svc
}

func TestLaunchFirefoxInstallsAddons(t *testing.T) {
	f, err := Lookup("firefox")
	require.NoError(t, err)

	l, dl, svc := newTestLauncher(t, f, "")

	b, err := l.Launch(context.Background(), LaunchOptions{
		Extensions:      []string{"/ext/ublock_origin.xpi"},
		PageLoadTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, b.Navigate(context.Background(), "http://example.com"))
	require.NoError(t, b.Quit(context.Background()))

	assert.Equal(t, []string{
		"POST /session",
		"POST /session/s1/moz/addon/install harexporttrigger-0.6.2-fx.xpi",
		"POST /session/s1/moz/addon/install ublock_origin.xpi",
		"POST /session/s1/timeouts",
		"POST /session/s1/url",
		"DELETE /session/s1",
	}, dl.snapshot())
	assert.True(t, svc.stopped)
}

func TestLaunchFailureTearsDown(t *testing.T) {
	f, err := Lookup("firefox")
	require.NoError(t, err)

	l, dl, svc := newTestLauncher(t, f, "/session/s1/moz/addon/install")

	_, err = l.Launch(context.Background(), LaunchOptions{})
	require.Error(t, err)

	calls := dl.snapshot()
	assert.Equal(t, "DELETE /session/s1", calls[len(calls)-1])
	assert.True(t, svc.stopped)
}
