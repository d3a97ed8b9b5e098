// Package headless renders archived captures in headless Chrome so that
// script-built pages yield their final DOM.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/fetcher/wayback"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultSettleDelay = 500 * time.Millisecond

	// archivedHeaderPrefix marks response headers the replay server copied
	// from the original capture.
	archivedHeaderPrefix = "X-Archive-Orig-"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps open tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ReplayBaseURL is the replay root; captures are loaded in iframe mode so
	// archived scripts run without the replay toolbar.
	ReplayBaseURL string
	// SettleDelay is how long to wait after body is ready for late scripts.
	SettleDelay time.Duration
}

// Fetcher implements archive.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ archive.Fetcher = (*Fetcher)(nil)

// NewChromedp starts a browser allocator. Tabs are opened per Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ReplayBaseURL == "" {
		cfg.ReplayBaseURL = wayback.DefaultBaseURL
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the capture of request.URL nearest request.CaptureTime and
// returns the serialized DOM.
func (f *Fetcher) Fetch(ctx context.Context, request archive.FetchRequest) (archive.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return archive.FetchResponse{}, fmt.Errorf("wait for headless tab: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	capture := &documentCapture{}
	chromedp.ListenTarget(tabCtx, capture.observe)

	target := wayback.ReplayURL(f.cfg.ReplayBaseURL, request.CaptureTime, wayback.IframeMode, request.URL)
	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return archive.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return archive.FetchResponse{}, &archive.FetchError{URL: target, Retryable: true, Err: fmt.Errorf("render capture: %w", err)}
	}

	resp := capture.response(target, location)
	resp.Body = []byte(html)
	resp.Duration = time.Since(start)
	return resp, nil
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// documentCapture keeps the first document response of a tab, which is the
// replay frame. Later documents belong to archived iframes.
type documentCapture struct {
	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *documentCapture) observe(ev any) {
	evt, ok := ev.(*network.EventResponseReceived)
	if !ok || evt.Type != network.ResourceTypeDocument || evt.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(evt.Response.Status)
	d.url = evt.Response.URL
	d.headers = archivedHeaders(evt.Response.Headers)
}

// response builds the fetch result. The body is always serialized HTML, so
// the content type is fixed whatever the capture declared.
func (d *documentCapture) response(target, location string) archive.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := archive.FetchResponse{
		URL:         d.url,
		StatusCode:  d.status,
		Headers:     d.headers,
		ContentType: "text/html; charset=utf-8",
	}
	if resp.URL == "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = target
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	resp.Headers.Set("Content-Type", resp.ContentType)
	return resp
}

// archivedHeaders converts devtools headers, restoring the capture's own
// headers from their X-Archive-Orig- copies. Replay headers that share a
// name with an original are replaced by it.
func archivedHeaders(src network.Headers) http.Header {
	out := http.Header{}
	var originals []string
	for key, value := range src {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), archivedHeaderPrefix) {
			originals = append(originals, key)
			continue
		}
		addHeaderValue(out, key, value)
	}
	for _, key := range originals {
		name := http.CanonicalHeaderKey(key)[len(archivedHeaderPrefix):]
		if name == "" {
			continue
		}
		out.Del(name)
		addHeaderValue(out, name, src[key])
	}
	return out
}

func addHeaderValue(h http.Header, key string, value any) {
	switch v := value.(type) {
	case string:
		// devtools folds repeated headers into one newline-separated value
		for _, line := range strings.Split(v, "\n") {
			h.Add(key, line)
		}
	case []any:
		for _, entry := range v {
			h.Add(key, fmt.Sprint(entry))
		}
	default:
		h.Add(key, fmt.Sprint(v))
	}
}
