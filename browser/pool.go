package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/lectorlabs/lector/config"
)

// ErrUnavailable reports that the underlying browser is gone and could not
// be relaunched.
var ErrUnavailable = errors.New("browser unavailable")

// relaunchCooldown is how long acquires report ErrUnavailable after a
// failed relaunch before the next relaunch attempt.
const relaunchCooldown = 30 * time.Second

// Pool owns a single headless browser process and vends single-use isolated
// contexts. At most Max leases exist concurrently; Acquire blocks until one
// is free. Contexts are never reused: Release always destroys.
type Pool struct {
	cfg    config.BrowserConfig
	logger *slog.Logger

	sem chan struct{}
	max int

	mu            sync.Mutex
	browser       *rod.Browser
	launcher      *launcher.Launcher
	crippled      bool
	retryAfter    time.Time
	onLeaseChange func(inUse int)
	inUse         int

	// newLease and relaunch are swapped out by tests to avoid a real
	// browser.
	newLease func(ctx context.Context, opts LeaseOptions) (*Lease, error)
	relaunch func() error
}

// LeaseOptions carries per-request context configuration.
type LeaseOptions struct {
	// ProxyURL is an http/https/socks4/socks5 proxy, optionally with
	// user:pass userinfo.
	ProxyURL string
	// Cookies are installed into the fresh context before navigation.
	Cookies []*proto.NetworkCookieParam
}

// Lease is one isolated browser context lent to a single request.
type Lease struct {
	// Page is the single page inside the context.
	Page *rod.Page

	pool    *Pool
	release func()
	once    sync.Once
}

// Release destroys the context. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
		l.pool.put()
	})
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithLeaseGauge registers a callback invoked with the in-use lease count
// whenever it changes. Used to feed the contexts-in-use metric.
func WithLeaseGauge(fn func(inUse int)) PoolOption {
	return func(p *Pool) { p.onLeaseChange = fn }
}

// NewPool launches the browser and sizes the pool. The bound is
// cfg.MaxContexts when set, otherwise 1 + floor(free memory in GiB)
// sampled once at startup, never below one.
func NewPool(cfg config.BrowserConfig, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.newLease = p.createLease
	p.relaunch = p.launch

	p.max = cfg.MaxContexts
	if p.max <= 0 {
		p.max = autoPoolMax()
	}
	p.sem = make(chan struct{}, p.max)

	if err := p.launch(); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	p.logger.Info("browser pool ready", "max_contexts", p.max)
	return p, nil
}

// Max returns the pool bound.
func (p *Pool) Max() int { return p.max }

// autoPoolMax derives the pool bound from free memory at startup.
func autoPoolMax() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 1
	}
	n := 1 + int(vm.Available/(1<<30))
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Pool) launch() error {
	l := launcher.New().
		Headless(p.cfg.Headless).
		NoSandbox(p.cfg.NoSandbox)

	if p.cfg.Bin != "" {
		l = l.Bin(p.cfg.Bin)
	}

	// Same launch profile the scraper stack uses: mask automation and keep
	// background tabs from being throttled mid-snapshot.
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return err
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return err
	}

	p.browser = browser
	p.launcher = l
	p.crippled = false
	p.retryAfter = time.Time{}
	p.logger.Info("browser launched", "control_url", controlURL)
	return nil
}

// Acquire blocks until a slot is free, then creates a fresh isolated
// context with a single configured page inside it. If the browser has
// disconnected, a relaunch is attempted; after a failed relaunch
// acquires surface ErrUnavailable for a cooldown before trying again.
func (p *Pool) Acquire(ctx context.Context, opts LeaseOptions) (*Lease, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lease, err := p.newLease(ctx, opts)
	if err != nil {
		<-p.sem
		return nil, err
	}

	p.mu.Lock()
	p.inUse++
	n := p.inUse
	p.mu.Unlock()
	if p.onLeaseChange != nil {
		p.onLeaseChange(n)
	}
	return lease, nil
}

func (p *Pool) put() {
	p.mu.Lock()
	p.inUse--
	n := p.inUse
	p.mu.Unlock()
	if p.onLeaseChange != nil {
		p.onLeaseChange(n)
	}
	<-p.sem
}

// createLease builds the real browser context and page.
func (p *Pool) createLease(ctx context.Context, opts LeaseOptions) (*Lease, error) {
	browser, err := p.healthyBrowser()
	if err != nil {
		return nil, err
	}

	create := proto.TargetCreateBrowserContext{DisposeOnDetach: true}
	var authCancel func() error
	if opts.ProxyURL != "" {
		server, user, pass, err := splitProxy(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		create.ProxyServer = server
		if user != "" {
			authCancel = browser.HandleAuth(user, pass)
		}
	}

	bctx, err := create.Call(browser)
	if err != nil {
		p.markCrippled()
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	target, err := proto.TargetCreateTarget{
		URL:              "about:blank",
		BrowserContextID: bctx.BrowserContextID,
	}.Call(browser)
	if err != nil {
		p.markCrippled()
		return nil, fmt.Errorf("create target: %w", err)
	}

	page, err := browser.PageFromTarget(target.TargetID)
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: bctx.BrowserContextID}.Call(browser)
		return nil, fmt.Errorf("attach page: %w", err)
	}

	if err := p.configurePage(page, opts); err != nil {
		_ = page.Close()
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: bctx.BrowserContextID}.Call(browser)
		return nil, err
	}

	release := func() {
		if err := page.Close(); err != nil {
			p.logger.Debug("page close failed", "error", err)
		}
		if err := (proto.TargetDisposeBrowserContext{BrowserContextID: bctx.BrowserContextID}).Call(browser); err != nil {
			p.logger.Debug("context dispose failed", "error", err)
		}
		if authCancel != nil {
			_ = authCancel()
		}
	}

	return &Lease{Page: page, pool: p, release: release}, nil
}

func (p *Pool) configurePage(page *rod.Page, opts LeaseOptions) error {
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: p.cfg.UserAgent,
	}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(opts.Cookies); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}

	return nil
}

// healthyBrowser returns a connected browser, relaunching if the current
// one has died. A failed relaunch backs off for relaunchCooldown so a
// dead chromium does not get hammered, without bricking the pool for
// good.
func (p *Pool) healthyBrowser() (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser != nil && !p.crippled {
		if _, err := (proto.BrowserGetVersion{}).Call(p.browser); err == nil {
			return p.browser, nil
		}
		p.crippled = true
		p.logger.Warn("browser disconnected, pool crippled")
	}

	if !p.retryAfter.IsZero() && time.Now().Before(p.retryAfter) {
		return nil, ErrUnavailable
	}

	p.logger.Info("relaunching browser")
	if err := p.relaunch(); err != nil {
		p.retryAfter = time.Now().Add(relaunchCooldown)
		return nil, fmt.Errorf("%w: relaunch failed: %v", ErrUnavailable, err)
	}
	return p.browser, nil
}

func (p *Pool) markCrippled() {
	p.mu.Lock()
	p.crippled = true
	p.mu.Unlock()
}

// Close kills the browser process. Call on graceful shutdown so chromium
// does not outlive the service.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			p.logger.Debug("browser close failed", "error", err)
		}
		p.browser = nil
	}
	if p.launcher != nil {
		p.launcher.Cleanup()
	}
	p.logger.Info("browser pool closed")
}

// splitProxy separates credentials from a proxy URL, returning the
// scheme://host:port server string chromium accepts plus the userinfo.
func splitProxy(raw string) (server, user, pass string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return "", "", "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", "", fmt.Errorf("proxy url %q has no host", raw)
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	return u.Scheme + "://" + u.Host, user, pass, nil
}

// CookiesFromSetCookie parses one or more Set-Cookie header lines
// (separated by newlines) into cookie params scoped to the target URL
// when the cookie names no domain of its own.
func CookiesFromSetCookie(header, targetURL string) ([]*proto.NetworkCookieParam, error) {
	var defaultDomain string
	if u, err := url.Parse(targetURL); err == nil {
		defaultDomain = u.Hostname()
	}

	var cookies []*proto.NetworkCookieParam
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c, err := http.ParseSetCookie(line)
		if err != nil {
			return nil, fmt.Errorf("parse set-cookie %q: %w", line, err)
		}
		domain := c.Domain
		if domain == "" {
			domain = defaultDomain
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
			Secure: c.Secure,
		})
	}
	return cookies, nil
}
