// Package collyfetcher implements feed.Fetcher over HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// ErrHTTPStatus is wrapped when a feed responds with a non-2xx status.
var ErrHTTPStatus = errors.New("unexpected http status")

const (
	defaultRequestTimeout = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultMaxBodySize    = 64 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	MaxBodySize    int
}

// Fetcher implements feed.Fetcher using the Colly collector.
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
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	// feeds are polled repeatedly, so the shared visited store must not block revisits
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.WithTransport(newHTTPTransport(cfg.ConnectTimeout))
	c.SetRequestTimeout(cfg.RequestTimeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly and returns the response body.
func (f *Fetcher) Fetch(ctx context.Context, request feed.FetchRequest) ([]byte, error) {
	target, err := resolveURL(request)
	if err != nil {
		return nil, err
	}

	var (
		body     []byte
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, request, &body, &fetchErr)

	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request feed.FetchRequest,
	body *[]byte,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		applyAuthHeader(request, r.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		if r.StatusCode < 200 || r.StatusCode > 299 {
			*fetchErr = fmt.Errorf("%w: %d %s", ErrHTTPStatus, r.StatusCode, http.StatusText(r.StatusCode))
			return
		}
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		if *fetchErr == nil {
			*fetchErr = err
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("fetch response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		return nil
	}
}

// resolveURL applies a url_param credential to the endpoint.
func resolveURL(request feed.FetchRequest) (string, error) {
	if request.Auth.Type != feed.AuthURLParam || request.APIKey == "" {
		return request.URL, nil
	}
	u, err := url.Parse(request.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	name := request.Auth.ParamName
	if name == "" {
		name = "api_key"
	}
	q := u.Query()
	q.Set(name, request.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// applyAuthHeader sets header credentials. Without a catalog-named header the
// key is sent as a bearer token.
func applyAuthHeader(request feed.FetchRequest, headers *http.Header) {
	if request.Auth.Type != feed.AuthHeader || request.APIKey == "" || headers == nil {
		return
	}
	if name := request.Auth.ParamName; name != "" && !httpHeaderIsAuthorization(name) {
		headers.Set(name, request.APIKey)
		return
	}
	headers.Set("Authorization", "Bearer "+request.APIKey)
}

func httpHeaderIsAuthorization(name string) bool {
	return http.CanonicalHeaderKey(name) == "Authorization"
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
