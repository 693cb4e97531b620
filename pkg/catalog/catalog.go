// Package catalog implements best-effort discovery of installable MCP
// servers across public upstream catalogs. Every upstream is optional: a
// slow or broken source is dropped from the merged result, never surfaced
// as an error.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SpideXD/mcp-swarm/pkg/logger"
)

const (
	// perSourceTimeout bounds each upstream query.
	perSourceTimeout = 8 * time.Second

	// DefaultLimit is how many merged results a search returns when the
	// caller passes no positive limit.
	DefaultLimit = 10
)

// Result is one discovered server.
type Result struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Install is the identifier a client can hand to declare_worker, e.g.
	// an npm package name. Empty when the source lists the server without
	// an installable artifact.
	Install    string  `json:"install,omitempty"`
	Command    string  `json:"command,omitempty"`
	Source     string  `json:"source"`
	Popularity float64 `json:"popularity,omitempty"`
	URL        string  `json:"url,omitempty"`
}

// source is one upstream catalog.
type source interface {
	name() string
	search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Searcher fans a query out to all configured upstreams.
type Searcher struct {
	sources []source
}

// NewSearcher builds the production searcher over the three public
// catalogs: npm, the official MCP registry, and PulseMCP.
func NewSearcher() *Searcher {
	return &Searcher{
		sources: []source{
			&npmSource{baseURL: "https://registry.npmjs.org"},
			&mcpRegistrySource{baseURL: "https://registry.modelcontextprotocol.io"},
			&pulseSource{baseURL: "https://api.pulsemcp.com"},
		},
	}
}

// newSearcherWithSources is the test hook.
func newSearcherWithSources(sources ...source) *Searcher {
	return &Searcher{sources: sources}
}

// Search queries every upstream in parallel, merges, deduplicates and ranks
// the results. limit <= 0 means DefaultLimit.
func (s *Searcher) Search(ctx context.Context, query string, limit int) []Result {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var mu sync.Mutex
	var all []Result

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		g.Go(func() error {
			srcCtx, cancel := context.WithTimeout(ctx, perSourceTimeout)
			defer cancel()

			results, err := src.search(srcCtx, query, limit)
			if err != nil {
				// Discovery is best effort; a dead upstream costs nothing
				// but its own results.
				logger.Debugw("catalog source failed", "source", src.name(), "error", err)
				return nil
			}
			mu.Lock()
			all = append(all, results...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return rank(dedupe(all), limit)
}

// NormalizeName canonicalizes a server name for deduplication: scope and
// registry prefixes are stripped, case and non-alphanumerics are dropped.
// "@modelcontextprotocol/server-fetch", "io.github.modelcontextprotocol/server-fetch"
// and "Server Fetch" all collapse to "serverfetch".
func NormalizeName(name string) string {
	// Registry-style prefix: everything up to the last '/'.
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// dedupe keeps one result per normalized name, preferring entries that
// carry an installable identifier, then higher popularity.
func dedupe(results []Result) []Result {
	best := make(map[string]Result)
	var order []string
	for _, r := range results {
		key := NormalizeName(r.Name)
		if key == "" {
			continue
		}
		cur, ok := best[key]
		if !ok {
			best[key] = r
			order = append(order, key)
			continue
		}
		if better(r, cur) {
			best[key] = r
		}
	}

	out := make([]Result, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func better(a, b Result) bool {
	if (a.Install != "") != (b.Install != "") {
		return a.Install != ""
	}
	return a.Popularity > b.Popularity
}

// rank sorts installable-first, popularity-descending, and truncates.
func rank(results []Result, limit int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return better(results[i], results[j])
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
