package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/privacy-extensions/privext/pkg/webdriver"
	"github.com/sirupsen/logrus"
)

// driverService is a running WebDriver endpoint.
type driverService interface {
	URL() string
	Stop() error
}

type serviceStarter func(ctx context.Context, log logrus.FieldLogger, cfg webdriver.ServiceConfig) (driverService, error)

func startWebDriver(ctx context.Context, log logrus.FieldLogger, cfg webdriver.ServiceConfig) (driverService, error) {
	return webdriver.StartService(ctx, log, cfg)
}

// NewLauncher returns a launcher that drives family through its WebDriver
// executable.
func NewLauncher(log logrus.FieldLogger, family Family) Launcher {
	return &launcher{
		log:    log.WithField("component", "browser").WithField("browser", family.Name),
		family: family,
		start:  startWebDriver,
	}
}

type launcher struct {
	log    logrus.FieldLogger
	family Family
	start  serviceStarter
}

// Launch starts the driver, opens a session, installs the companion and
// extensions and applies the page-load timeout. On failure everything
// started so far is torn down.
func (l *launcher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	packages := l.family.Packages(opts.Extensions)

	caps, err := l.family.Capabilities(packages)
	if err != nil {
		return nil, err
	}

	svcCfg := webdriver.ServiceConfig{
		Binary:   l.family.Driver,
		PortArgs: l.family.driverArgs,
	}

	if opts.Display != "" {
		svcCfg.Env = append(svcCfg.Env, "DISPLAY="+opts.Display)
	}

	svc, err := l.start(ctx, l.log, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.family.Driver, err)
	}

	b := &session{
		log:    l.log,
		client: webdriver.NewClient(svc.URL(), nil),
		svc:    svc,
	}

	if err := b.client.NewSession(ctx, caps); err != nil {
		_ = svc.Stop()

		return nil, err
	}

	if err := l.setup(ctx, b, packages, opts); err != nil {
		_ = b.Quit(context.Background())

		return nil, err
	}

	l.log.WithField("extensions", len(opts.Extensions)).Debug("Browser launched")

	return b, nil
}

func (l *launcher) setup(ctx context.Context, b *session, packages []string, opts LaunchOptions) error {
	if l.family.InstallAfterLaunch {
		for _, p := range packages {
			id, err := b.client.InstallAddon(ctx, p, true)
			if err != nil {
				return err
			}

			l.log.WithFields(logrus.Fields{
				"package": p,
				"id":      id,
			}).Debug("Installed add-on")
		}
	}

	if opts.PageLoadTimeout > 0 {
		if err := b.client.SetPageLoadTimeout(ctx, opts.PageLoadTimeout); err != nil {
			return fmt.Errorf("setting page load timeout: %w", err)
		}
	}

	return nil
}

// session is a browser backed by a WebDriver session and its driver.
type session struct {
	log    logrus.FieldLogger
	client *webdriver.Client
	svc    driverService
}

func (s *session) Navigate(ctx context.Context, url string) error {
	return s.client.Navigate(ctx, url)
}

// Quit ends the WebDriver session and stops the driver. Both are always
// attempted.
func (s *session) Quit(ctx context.Context) error {
	quitErr := s.client.Quit(ctx)
	stopErr := s.svc.Stop()

	return errors.Join(quitErr, stopErr)
}
