// Package collytransport sends tasks over HTTP using gocolly.
package collytransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Transport implements crawler.Transport with a Colly collector per request.
type Transport struct {
	cfg  Config
	base *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport. Cookies travel with the task context, so the collector jar is disabled.
func New(cfg Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.DisableCookies()
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(&robotsTransport{base: newHTTPTransport(), logger: logger})
	return &Transport{cfg: cfg, base: c}
}

// Send implements crawler.Transport. Non-2xx responses are errors so the dispatcher retries them.
func (t *Transport) Send(ctx context.Context, task *crawler.Task) (*crawler.Response, error) {
	target := task.Target
	method := target.HTTPMethod()
	rawURL, err := withParams(target.URL, target.Params)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(target)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	for k, v := range target.Headers {
		hdr.Set(k, v)
	}
	if contentType != "" && hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", contentType)
	}
	if cookie := cookieHeader(task.Context.Cookies); cookie != "" {
		hdr.Set("Cookie", cookie)
	}

	var (
		result   *crawler.Response
		fetchErr error
	)
	collector := t.base.Clone()
	collector.Context = ctx
	configureHooks(collector, time.Now(), &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, rawURL, body, nil, hdr)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly send canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("colly request failed: %w", err)
		}
	}
	if result == nil {
		return nil, fmt.Errorf("colly returned no response for %s", rawURL)
	}
	return result, nil
}

func configureHooks(hooks collectorHooks, start time.Time, result **crawler.Response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = &crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Cookies:    responseCookies(headers),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func withParams(raw string, params map[string][]string) (string, error) {
	if len(params) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	q := u.Query()
	for k, values := range params {
		for _, v := range values {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodeBody(target crawler.Target) (io.Reader, string, error) {
	switch {
	case target.JSON != nil:
		raw, err := json.Marshal(target.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	case len(target.Data) > 0:
		form := url.Values{}
		for k, v := range target.Data {
			form.Set(k, v)
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", nil
	}
}

func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for name, value := range cookies {
		parts = append(parts, (&http.Cookie{Name: name, Value: value}).String())
	}
	return strings.Join(parts, "; ")
}

func responseCookies(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	parsed := (&http.Response{Header: h}).Cookies()
	if len(parsed) == 0 {
		return nil
	}
	out := make(map[string]string, len(parsed))
	for _, c := range parsed {
		out[c.Name] = c.Value
	}
	return out
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
