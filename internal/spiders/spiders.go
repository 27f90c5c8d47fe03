// Package spiders maps spider names from configuration onto spider implementations.
package spiders

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/spiders/quotes"
)

// Set is a spider plus the spiders its tasks may nest.
type Set struct {
	Main   crawler.Spider
	Nested []crawler.Spider
}

type factory func(cfg config.SpiderConfig) Set

var catalog = map[string]factory{
	quotes.Name: func(cfg config.SpiderConfig) Set {
		qc := quotes.Config{
			BaseURL:  cfg.BaseURL,
			Username: cfg.Username,
			Password: cfg.Password,
			Login:    cfg.Login,
			Authors:  cfg.FollowAuthors,
		}
		return Set{Main: quotes.New(qc), Nested: []crawler.Spider{quotes.NewLogin(qc)}}
	},
}

// Lookup builds the spider set registered under name.
func Lookup(name string, cfg config.SpiderConfig) (Set, error) {
	f, ok := catalog[name]
	if !ok {
		return Set{}, fmt.Errorf("unknown spider %q (known: %v)", name, Names())
	}
	return f(cfg), nil
}

// Names lists registered spiders.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
