package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 30 * time.Second
	maxImageBytes  = 16 << 20
)

const pageContentJS = `() => ({
	text: document.body ? document.body.innerText : '',
	images: Array.from(document.images || []).map(i => i.currentSrc || i.src).filter(Boolean),
})`

// RodCapturer renders pages in a Chrome instance driven by go-rod. The
// browser is launched on first use and reused until Close.
type RodCapturer struct {
	headless   bool
	timeout    time.Duration
	controlURL string
	httpClient *http.Client
	logger     *zap.Logger

	// launch starts a local browser and returns its control URL and a
	// cleanup that kills it; connect attaches to a control URL.
	launch  func(headless bool) (string, func(), error)
	connect func(controlURL string) (*rod.Browser, error)

	mu      sync.Mutex
	browser *rod.Browser
	cleanup func()
}

// RodOption customizes a RodCapturer.
type RodOption func(*RodCapturer)

// WithHeadless toggles headless mode.
func WithHeadless(headless bool) RodOption {
	return func(c *RodCapturer) { c.headless = headless }
}

// WithTimeout bounds one capture.
func WithTimeout(d time.Duration) RodOption {
	return func(c *RodCapturer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithControlURL connects to an already running browser instead of
// launching one.
func WithControlURL(url string) RodOption {
	return func(c *RodCapturer) { c.controlURL = url }
}

// WithImageClient sets the HTTP client used to download page images.
func WithImageClient(hc *http.Client) RodOption {
	return func(c *RodCapturer) { c.httpClient = hc }
}

// WithLogger sets the capturer logger.
func WithLogger(logger *zap.Logger) RodOption {
	return func(c *RodCapturer) { c.logger = logger }
}

// NewRodCapturer creates a capturer; no browser is started yet.
func NewRodCapturer(opts ...RodOption) *RodCapturer {
	c := &RodCapturer{
		headless:   true,
		timeout:    defaultTimeout,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     zap.NewNop(),
		launch:     launchLocal,
		connect:    connectRod,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capture loads req.URL and collects its text, an optional viewport
// screenshot and up to req.MaxImages page images.
func (c *RodCapturer) Capture(ctx context.Context, req Request) (Page, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Page{}, errors.New("capture url is required")
	}
	browser, err := c.ensureBrowser()
	if err != nil {
		return Page{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: req.URL})
	if err != nil {
		return Page{}, fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return Page{}, fmt.Errorf("failed to load page: %w", err)
	}

	res, err := page.Eval(pageContentJS)
	if err != nil {
		return Page{}, fmt.Errorf("failed to read page content: %w", err)
	}

	out := Page{
		URL:  req.URL,
		Text: CollapseWhitespace(res.Value.Get("text").Str()),
	}

	if req.Screenshot {
		shot, err := page.Screenshot(false, nil)
		if err != nil {
			c.logger.Warn("screenshot failed", zap.String("url", req.URL), zap.Error(err))
		} else if img, err := EncodeImage(shot, req.MaxImageWidth, ScreenshotSource); err == nil {
			out.Images = append(out.Images, img)
		}
	}

	for _, src := range res.Value.Get("images").Arr() {
		if req.MaxImages > 0 && len(out.Images) >= req.MaxImages {
			break
		}
		img, err := c.fetchImage(ctx, src.Str(), req.MaxImageWidth)
		if err != nil {
			c.logger.Debug("skipping page image", zap.String("src", src.Str()), zap.Error(err))
			continue
		}
		out.Images = append(out.Images, img)
	}
	out.Images = limitImages(out.Images, req.MaxImages)

	c.logger.Info("page captured",
		zap.String("url", req.URL),
		zap.Int("text_len", len(out.Text)),
		zap.Int("images", len(out.Images)),
	)
	return out, nil
}

// Close shuts the browser down.
func (c *RodCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
	}
	if c.cleanup != nil {
		c.cleanup()
		c.cleanup = nil
	}
	return err
}

func (c *RodCapturer) ensureBrowser() (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		return c.browser, nil
	}

	controlURL := c.controlURL
	if controlURL == "" {
		url, cleanup, err := c.launch(c.headless)
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		c.cleanup = cleanup
		controlURL = url
	}

	browser, err := c.connect(controlURL)
	if err != nil {
		// A launched browser nobody is connected to would outlive the process.
		if c.cleanup != nil {
			c.cleanup()
			c.cleanup = nil
		}
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	c.browser = browser
	return browser, nil
}

func launchLocal(headless bool) (string, func(), error) {
	l := launcher.New().Headless(headless)
	url, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return "", nil, err
	}
	return url, l.Cleanup, nil
}

func connectRod(controlURL string) (*rod.Browser, error) {
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	return browser, nil
}

func (c *RodCapturer) fetchImage(ctx context.Context, src string, maxWidth int) (Image, error) {
	if strings.HasPrefix(src, "data:") {
		data, err := decodeDataURL(src)
		if err != nil {
			return Image{}, err
		}
		return EncodeImage(data, maxWidth, "inline")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return Image{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("image fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Image{}, err
	}
	return EncodeImage(data, maxWidth, src)
}
