// Package quotes crawls a quotes.toscrape.com style site: paginated quote listings, author
// pages and, when credentials are configured, a login-gated session obtained through a
// nested login spider.
package quotes

import (
	"bytes"
	"context"
	"iter"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Spider names.
const (
	Name      = "quotes"
	LoginName = "quotes-login"
)

// Callback keys.
const (
	callbackPage   = "page"
	callbackAuthor = "author"
	callbackForm   = "form"
	callbackDone   = "done"
)

const defaultBaseURL = "https://quotes.toscrape.com"

// Config points the spiders at a site.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Login runs the nested login spider before the first listing page.
	Login bool
	// Authors follows author links and emits author records.
	Authors bool
}

func (c Config) base() string {
	if c.BaseURL == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

// Spider walks the quote listings.
type Spider struct {
	cfg Config
}

// New builds the listing spider.
func New(cfg Config) *Spider {
	return &Spider{cfg: cfg}
}

// Name implements crawler.Spider.
func (s *Spider) Name() string { return Name }

// Seeds implements crawler.Spider.
func (s *Spider) Seeds(context.Context) iter.Seq[*crawler.Task] {
	return func(yield func(*crawler.Task) bool) {
		seed := &crawler.Task{
			Target:   crawler.Target{URL: s.cfg.base() + "/"},
			Callback: callbackPage,
			Priority: 10,
		}
		if s.cfg.Login {
			seed.Nested = &crawler.NestedSpec{Spider: LoginName}
		}
		yield(seed)
	}
}

// Register implements crawler.Spider.
func (s *Spider) Register(reg *crawler.Registry) {
	reg.Register(callbackPage, s.parsePage)
	reg.Register(callbackAuthor, parseAuthor)
}

func (s *Spider) parsePage(_ context.Context, task *crawler.Task, resp *crawler.Response) iter.Seq[crawler.Output] {
	return func(yield func(crawler.Output) bool) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			return
		}
		loggedIn := doc.Find(`a[href="/logout"]`).Length() > 0
		ok := true
		doc.Find("div.quote").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			var tags []string
			sel.Find("a.tag").Each(func(_ int, t *goquery.Selection) {
				tags = append(tags, strings.TrimSpace(t.Text()))
			})
			rec := &crawler.Record{
				Kind: "quote",
				Data: map[string]any{
					"text":      strings.TrimSpace(sel.Find("span.text").Text()),
					"author":    strings.TrimSpace(sel.Find("small.author").Text()),
					"tags":      tags,
					"page":      resp.URL,
					"logged_in": loggedIn,
				},
			}
			if !yield(crawler.NewRecord(rec)) {
				ok = false
				return false
			}
			if !s.cfg.Authors {
				return true
			}
			href, found := sel.Find(`a[href^="/author/"]`).Attr("href")
			if !found {
				return true
			}
			if !yield(crawler.NewTask(&crawler.Task{
				Target:       crawler.Target{URL: href},
				Callback:     callbackAuthor,
				FilterRepeat: true,
			})) {
				ok = false
				return false
			}
			return true
		})
		if !ok {
			return
		}
		if next, found := doc.Find("li.next a").Attr("href"); found {
			yield(crawler.NewTask(&crawler.Task{
				Target:       crawler.Target{URL: next},
				Callback:     callbackPage,
				FilterRepeat: true,
			}))
		}
	}
}

func parseAuthor(_ context.Context, _ *crawler.Task, resp *crawler.Response) iter.Seq[crawler.Output] {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Yield()
	}
	details := doc.Find("div.author-details")
	return crawler.Yield(crawler.NewRecord(&crawler.Record{
		Kind: "author",
		Data: map[string]any{
			"name":       strings.TrimSpace(details.Find("h3.author-title").Text()),
			"born":       strings.TrimSpace(details.Find("span.author-born-date").Text()),
			"born_in":    strings.TrimSpace(details.Find("span.author-born-location").Text()),
			"bio":        strings.TrimSpace(details.Find("div.author-description").Text()),
			"source_url": resp.URL,
		},
	}))
}

// Login obtains a session cookie by submitting the CSRF-protected login form.
type Login struct {
	cfg Config
}

// NewLogin builds the login spider.
func NewLogin(cfg Config) *Login {
	return &Login{cfg: cfg}
}

// Name implements crawler.Spider.
func (l *Login) Name() string { return LoginName }

// Seeds implements crawler.Spider.
func (l *Login) Seeds(context.Context) iter.Seq[*crawler.Task] {
	return func(yield func(*crawler.Task) bool) {
		yield(&crawler.Task{
			Target:   crawler.Target{URL: l.cfg.base() + "/login"},
			Callback: callbackForm,
		})
	}
}

// Register implements crawler.Spider.
func (l *Login) Register(reg *crawler.Registry) {
	reg.Register(callbackForm, l.submit)
	reg.Register(callbackDone, func(context.Context, *crawler.Task, *crawler.Response) iter.Seq[crawler.Output] {
		return crawler.Yield()
	})
}

func (l *Login) submit(_ context.Context, _ *crawler.Task, resp *crawler.Response) iter.Seq[crawler.Output] {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Yield()
	}
	form := doc.Find("form").First()
	action, _ := form.Attr("action")
	if action == "" {
		action = resp.URL
	}
	data := map[string]string{
		"username": l.cfg.Username,
		"password": l.cfg.Password,
	}
	form.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		value, _ := in.Attr("value")
		if name != "" {
			data[name] = value
		}
	})
	return crawler.Yield(crawler.NewTask(&crawler.Task{
		Target: crawler.Target{
			Method: "POST",
			URL:    action,
			Data:   data,
		},
		Callback: callbackDone,
	}))
}
