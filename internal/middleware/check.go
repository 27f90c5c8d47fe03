package middleware

import (
	"context"
	"strings"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// domainPatterns stores exact hosts and suffix wildcards.
type domainPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainPatterns(patterns []string) *domainPatterns {
	matcher := &domainPatterns{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (p *domainPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

func (p *domainPatterns) matches(host string) bool {
	if p == nil || host == "" {
		return false
	}
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Check drops tasks whose host is blocked or falls outside the allowed domains.
// An empty allow list admits every host that is not blocked.
type Check struct {
	crawler.BaseTaskObserver

	allowed *domainPatterns
	blocked *domainPatterns
}

// NewCheck builds a Check from domain patterns. "*.example.com" and ".example.com" match
// the domain and every subdomain.
func NewCheck(allowed, blocked []string) *Check {
	return &Check{
		allowed: newDomainPatterns(allowed),
		blocked: newDomainPatterns(blocked),
	}
}

// TaskIn implements crawler.TaskObserver.
func (c *Check) TaskIn(_ context.Context, task *crawler.Task) error {
	host := strings.ToLower(crawler.Hostname(task.Target.URL))
	if host == "" {
		return crawler.Drop("missing host")
	}
	if c.blocked.matches(host) {
		return crawler.Drop("blocked domain " + host)
	}
	if c.allowed != nil && !c.allowed.matches(host) {
		return crawler.Drop("domain not allowed " + host)
	}
	return nil
}
