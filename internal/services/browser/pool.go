package browser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
)

// ErrPoolClosed is returned by Acquire once the pool is shut down
var ErrPoolClosed = errors.New("browser pool closed")

// Config holds configuration for the browser pool
type Config struct {
	MaxInstances   int           `json:"max_instances"`
	UserAgent      string        `json:"user_agent"`
	Headless       bool          `json:"headless"`
	DisableGPU     bool          `json:"disable_gpu"`
	NoSandbox      bool          `json:"no_sandbox"`
	WaitTime       time.Duration `json:"wait_time"`
	StartupTimeout time.Duration `json:"startup_timeout"`
}

// ConfigFromCommon maps the browser and validation config sections
func ConfigFromCommon(cfg *common.Config) Config {
	return Config{
		MaxInstances:   cfg.Browser.MaxInstances,
		UserAgent:      cfg.Validation.UserAgent,
		Headless:       cfg.Browser.Headless,
		DisableGPU:     cfg.Browser.DisableGPU,
		NoSandbox:      cfg.Browser.NoSandbox,
		WaitTime:       common.MustDuration(cfg.Browser.WaitTime, 3*time.Second),
		StartupTimeout: 30 * time.Second,
	}
}

// ChromeAvailable reports whether a Chrome or Chromium binary is on PATH
func ChromeAvailable() bool {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

type instance struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
}

// Pool keeps a fixed set of headless browsers. Each Acquire hands out one
// browser exclusively and an isolated browser context inside it, so cookies
// injected for one account never leak into another account's check.
type Pool struct {
	mu          sync.Mutex
	instances   []*instance
	free        chan int
	config      Config
	logger      arbor.ILogger
	initialized bool
}

// NewPool creates a browser pool; browsers start on Init
func NewPool(config Config, logger arbor.ILogger) *Pool {
	return &Pool{
		config: config,
		logger: logger,
	}
}

// Init launches and smoke-tests the browsers. It succeeds when at least one
// browser started.
func (p *Pool) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("browser pool already initialized")
	}
	if p.config.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be greater than 0, got: %d", p.config.MaxInstances)
	}
	if p.config.StartupTimeout <= 0 {
		p.config.StartupTimeout = 30 * time.Second
	}

	p.logger.Info().
		Int("pool_size", p.config.MaxInstances).
		Bool("headless", p.config.Headless).
		Dur("wait_time", p.config.WaitTime).
		Msg("Initializing browser pool")

	var lastErr error
	for i := 0; i < p.config.MaxInstances; i++ {
		inst, err := p.launch(i)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to create browser instance")
			continue
		}
		p.instances = append(p.instances, inst)
	}

	if len(p.instances) == 0 {
		return fmt.Errorf("failed to create any browser instances, last error: %w", lastErr)
	}
	if len(p.instances) < p.config.MaxInstances {
		p.logger.Warn().
			Int("requested", p.config.MaxInstances).
			Int("created", len(p.instances)).
			Msg("Created fewer browser instances than requested")
	}

	p.free = make(chan int, len(p.instances))
	for i := range p.instances {
		p.free <- i
	}
	p.initialized = true
	return nil
}

func (p *Pool) launch(index int) (*instance, error) {
	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("disable-gpu", p.config.DisableGPU),
		chromedp.Flag("no-sandbox", p.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if p.config.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(p.config.UserAgent))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, p.config.StartupTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser instance failed startup test: %w", err)
	}

	p.logger.Debug().
		Int("browser_index", index).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser instance started")

	return &instance{ctx: browserCtx, cancel: browserCancel, allocatorCancel: allocatorCancel}, nil
}

// Acquire waits for a free browser and returns a fresh isolated tab context
// bound to ctx's deadline, plus the function that gives the browser back.
func (p *Pool) Acquire(ctx context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}
	free := p.free
	p.mu.Unlock()

	var index int
	select {
	case i, ok := <-free:
		if !ok {
			return nil, nil, ErrPoolClosed
		}
		index = i
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	p.mu.Lock()
	if !p.initialized || index >= len(p.instances) {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}
	inst := p.instances[index]
	p.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(inst.ctx, chromedp.WithNewBrowserContext())
	runCtx, runCancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(ctx, runCancel)

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			runCancel()
			tabCancel()
			p.giveBack(free, index)
		})
	}
	return runCtx, release, nil
}

func (p *Pool) giveBack(free chan int, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized && p.free == free {
		free <- index
	}
}

// WaitTime is how long pages are given to settle after navigation
func (p *Pool) WaitTime() time.Duration {
	return p.config.WaitTime
}

// Size returns the number of running browsers
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Shutdown stops every browser
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return
	}
	for _, inst := range p.instances {
		inst.cancel()
		inst.allocatorCancel()
	}
	p.logger.Info().Int("browser_count", len(p.instances)).Msg("Browser pool shut down")

	p.instances = nil
	close(p.free)
	p.free = nil
	p.initialized = false
}
