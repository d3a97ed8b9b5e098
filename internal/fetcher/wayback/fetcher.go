// Package wayback fetches archived captures from a Wayback-style replay
// endpoint using gocolly.
package wayback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// DefaultBaseURL is the public Wayback Machine replay root.
const DefaultBaseURL = "https://web.archive.org/web"

// Replay modes. RawMode returns the capture as archived, without rewriting.
const (
	RawMode    = "id_"
	IframeMode = "if_"
)

// Config controls collector behavior.
type Config struct {
	BaseURL      string
	Mode         string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements archive.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Mode == "" {
		cfg.Mode = RawMode
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// ReplayURL builds the replay address of original captured at ts.
func ReplayURL(base string, ts time.Time, mode, original string) string {
	return fmt.Sprintf("%s/%s%s/%s", strings.TrimRight(base, "/"), ts.UTC().Format("20060102150405"), mode, original)
}

// Fetch retrieves one capture. Non-2xx replay responses are returned with
// their status code and a nil error; callers classify them.
func (f *Fetcher) Fetch(ctx context.Context, request archive.FetchRequest) (archive.FetchResponse, error) {
	var (
		result   archive.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	target := ReplayURL(f.cfg.BaseURL, request.CaptureTime, f.cfg.Mode, request.URL)
	if err := f.runCollector(ctx, collector, target, &result, &fetchErr); err != nil {
		return archive.FetchResponse{Duration: time.Since(start)}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request archive.FetchRequest,
	start time.Time,
	result *archive.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = toResponse(r, start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// colly reports non-2xx as errors; keep the response so the status survives
		if r != nil && r.StatusCode != 0 {
			*result = toResponse(r, start)
			return
		}
		*fetchErr = err
	})
}

func toResponse(r *colly.Response, start time.Time) archive.FetchResponse {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	url := ""
	if r.Request != nil && r.Request.URL != nil {
		url = r.Request.URL.String()
	}
	return archive.FetchResponse{
		URL:         url,
		StatusCode:  r.StatusCode,
		Headers:     headers,
		Body:        append([]byte(nil), r.Body...),
		Duration:    time.Since(start),
		ContentType: headers.Get("Content-Type"),
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, result *archive.FetchResponse, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("wayback fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("wayback response failed: %w", *fetchErr)
		}
		// a status error from colly already produced a response in OnError
		if err != nil && result.StatusCode == 0 {
			return fmt.Errorf("wayback visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(request archive.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
