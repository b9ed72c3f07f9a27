package txcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/seventv/txcore/txcore/log"
	"github.com/seventv/txcore/txcore/runtime"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned for a blank app name.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app is registered.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed wraps errors collected while applying launcher options.
	ErrConfigFailed = errors.New("launcher configuration failed")
	// ErrAppFailed wraps the errors returned by apps.
	ErrAppFailed = errors.New("one or more apps failed")
)

// App is a long-running component started by a Launcher. Run returns when
// ctx is cancelled or the app cannot continue.
type App interface {
	Run(ctx context.Context, launcher *Launcher) error
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context, launcher *Launcher) error

func (f AppFunc) Run(ctx context.Context, l *Launcher) error { return f(ctx, l) }

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers app under name. Registration errors are reported by Run.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs a set of apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	mu           sync.Mutex
	apps         map[string]App
	order        []string
	configErrors []error
}

// NewLauncher builds a Launcher from opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers app under appName, replacing any previous app with that name.
func (l *Launcher) Add(appName string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if _, exists := l.apps[appName]; !exists {
		l.order = append(l.order, appName)
	}

	l.apps[appName] = app

	return nil
}

// Run starts every app and blocks until all have returned. When one app
// fails, the others are cancelled. Returned errors are joined under
// ErrAppFailed.
func (l *Launcher) Run(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	logger := log.OrNop(l.Logger)

	l.mu.Lock()
	if len(l.configErrors) > 0 {
		l.mu.Unlock()

		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	names := append([]string(nil), l.order...)
	apps := make([]App, len(names))

	for i, name := range names {
		apps[i] = l.apps[name]
	}
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		failed []error
	)

	logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(apps)))

	for i, app := range apps {
		name := names[i]

		wg.Add(1)

		runtime.SafeGo(ctx, logger, "launcher", "run_app_"+name, func(ctx context.Context) {
			defer wg.Done()

			logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

			if err := app.Run(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))

				errMu.Lock()
				failed = append(failed, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()

				cancel()
			}

			logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
		})
	}

	wg.Wait()
	logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "launcher terminated")

	if len(failed) > 0 {
		return errors.Join(append([]error{ErrAppFailed}, failed...)...)
	}

	return nil
}
