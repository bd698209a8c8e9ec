// Package browser provides script-executing page sessions for sources whose
// listings are rendered client-side.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// DefaultNavigateTimeout bounds a page navigation.
const DefaultNavigateTimeout = 60 * time.Second

// ErrClosed is returned when a page is requested from a closed session.
var ErrClosed = errors.New("browser session closed")

// Session hands out pages from one shared browser. The owner calls Close
// exactly once at the end of a run.
type Session interface {
	AcquirePage(ctx context.Context) (Page, error)
	ReleasePage(p Page)
	Close() error
}

// Page is one browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	// Evaluate runs script in the page and decodes its result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// HTML returns the rendered document.
	HTML(ctx context.Context) (string, error)
}

// ChromeSession is a Session backed by a headless Chrome launched on first
// use.
type ChromeSession struct {
	opts   []chromedp.ExecAllocatorOption
	logger *slog.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
	closed        bool
	closeOnce     sync.Once
}

var _ Session = (*ChromeSession)(nil)

// NewChromeSession creates a session. Chrome is not started until the first
// AcquirePage.
func NewChromeSession(logger *slog.Logger, opts ...chromedp.ExecAllocatorOption) *ChromeSession {
	if logger == nil {
		logger = slog.Default()
	}
	all := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	all = append(all, chromedp.WindowSize(1366, 900))
	all = append(all, opts...)

	return &ChromeSession{opts: all, logger: logger}
}

func (s *ChromeSession) launch() error {
	if s.browserCtx != nil {
		return nil
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), s.opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// An empty Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	s.browserCtx = browserCtx
	s.cancelAlloc = cancelAlloc
	s.cancelBrowser = cancelBrowser
	s.logger.Info("browser launched")

	return nil
}

// AcquirePage opens a new tab, launching the browser if needed.
func (s *ChromeSession) AcquirePage(ctx context.Context) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.launch(); err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	return &chromePage{ctx: tabCtx, cancel: cancel}, nil
}

// ReleasePage closes the tab.
func (s *ChromeSession) ReleasePage(p Page) {
	if cp, ok := p.(*chromePage); ok {
		cp.cancel()
	}
}

// Close shuts the browser down. Later calls do nothing.
func (s *ChromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed = true
		if s.cancelBrowser != nil {
			s.cancelBrowser()
			s.cancelAlloc()
			s.logger.Info("browser closed")
		}
	})
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by the caller's deadline and
// cancellation.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	return nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to wait for %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out any) error {
	if err := p.run(ctx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}
	return nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page HTML: %w", err)
	}
	return html, nil
}
