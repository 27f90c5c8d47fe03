// Package transport routes tasks between the plain HTTP transport and the headless renderer.
package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// ErrNoRenderer is returned for render targets when no headless renderer is configured.
var ErrNoRenderer = errors.New("headless renderer not configured")

// Router sends Render targets to the renderer and everything else over HTTP. With a
// Detector set, plain GET responses that look like client-rendered shells are re-sent
// through the renderer.
type Router struct {
	HTTP     crawler.Transport
	Renderer crawler.Transport
	Detector *Detector
	Logger   *zap.Logger
}

// Send implements crawler.Transport.
func (r *Router) Send(ctx context.Context, task *crawler.Task) (*crawler.Response, error) {
	if task.Target.Render {
		if r.Renderer == nil {
			return nil, ErrNoRenderer
		}
		return r.Renderer.Send(ctx, task)
	}
	resp, err := r.HTTP.Send(ctx, task)
	if err != nil || r.Renderer == nil || r.Detector == nil {
		return resp, err
	}
	if task.Target.HTTPMethod() != http.MethodGet || !r.Detector.ShouldRender(resp) {
		return resp, nil
	}
	if r.Logger != nil {
		r.Logger.Debug("promoting to headless", zap.String("task_id", task.ID), zap.String("url", task.Target.URL))
	}
	return r.Renderer.Send(ctx, task)
}

// Detector flags responses whose content is probably assembled by JavaScript.
type Detector struct {
	BodyLengthThreshold int
}

// NewDetector creates a Detector. A zero threshold defaults to 2048 bytes.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Detector{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldRender reports whether a 200 response needs a headless pass.
func (d *Detector) ShouldRender(resp *crawler.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptHeavy(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether script elements cover at least a quarter of the document.
// An unterminated script tag counts through the end of the body.
func scriptHeavy(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	covered := 0
	for pos := 0; ; {
		i := strings.Index(lower[pos:], "<script")
		if i < 0 {
			break
		}
		start := pos + i
		end := total
		if j := strings.Index(lower[start:], "</script>"); j >= 0 {
			end = start + j + len("</script>")
		}
		covered += end - start
		pos = end
	}
	return covered > 0 && covered*100/total >= 25
}
