package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// maxCatalogResponse caps how much of an upstream response is read. Catalog
// payloads are small; anything bigger is misbehaving.
const maxCatalogResponse = 4 * 1024 * 1024

// fetchJSON GETs a URL and returns the body for gjson extraction.
func fetchJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mcp-swarm")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxCatalogResponse))
}

// npmSource searches the npm registry. MCP servers published to npm are
// installable via npx, which makes them directly declarable.
type npmSource struct {
	baseURL string
}

func (*npmSource) name() string { return "npm" }

func (s *npmSource) search(ctx context.Context, query string, limit int) ([]Result, error) {
	u := fmt.Sprintf("%s/-/v1/search?text=%s&size=%d",
		s.baseURL, url.QueryEscape(query+" mcp server"), limit)
	body, err := fetchJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	var results []Result
	gjson.GetBytes(body, "objects").ForEach(func(_, obj gjson.Result) bool {
		pkg := obj.Get("package")
		name := pkg.Get("name").String()
		if name == "" {
			return true
		}
		results = append(results, Result{
			Name:        name,
			Description: pkg.Get("description").String(),
			Install:     name,
			Command:     "npx",
			Source:      "npm",
			Popularity:  obj.Get("score.detail.popularity").Float(),
			URL:         pkg.Get("links.npm").String(),
		})
		return true
	})
	return results, nil
}

// mcpRegistrySource searches the official MCP registry.
type mcpRegistrySource struct {
	baseURL string
}

func (*mcpRegistrySource) name() string { return "mcp-registry" }

func (s *mcpRegistrySource) search(ctx context.Context, query string, limit int) ([]Result, error) {
	u := fmt.Sprintf("%s/v0/servers?search=%s&limit=%d",
		s.baseURL, url.QueryEscape(query), limit)
	body, err := fetchJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	var results []Result
	gjson.GetBytes(body, "servers").ForEach(func(_, entry gjson.Result) bool {
		server := entry.Get("server")
		if !server.Exists() {
			server = entry
		}
		name := server.Get("name").String()
		if name == "" {
			return true
		}
		result := Result{
			Name:        name,
			Description: server.Get("description").String(),
			Source:      "mcp-registry",
			URL:         server.Get("repository.url").String(),
		}
		// The first npm-registry package, if any, is the installable artifact.
		server.Get("packages").ForEach(func(_, pkg gjson.Result) bool {
			if pkg.Get("registry_type").String() == "npm" || pkg.Get("registryType").String() == "npm" {
				result.Install = firstNonEmpty(pkg.Get("identifier").String(), pkg.Get("name").String())
				result.Command = "npx"
				return false
			}
			return true
		})
		results = append(results, result)
		return true
	})
	return results, nil
}

// pulseSource searches the PulseMCP directory, which contributes popularity
// data (GitHub stars) the other sources lack.
type pulseSource struct {
	baseURL string
}

func (*pulseSource) name() string { return "pulsemcp" }

func (s *pulseSource) search(ctx context.Context, query string, limit int) ([]Result, error) {
	u := fmt.Sprintf("%s/v0beta/servers?query=%s&count_per_page=%s",
		s.baseURL, url.QueryEscape(query), strconv.Itoa(limit))
	body, err := fetchJSON(ctx, u)
	if err != nil {
		return nil, err
	}

	var results []Result
	gjson.GetBytes(body, "servers").ForEach(func(_, server gjson.Result) bool {
		name := server.Get("name").String()
		if name == "" {
			return true
		}
		result := Result{
			Name:        name,
			Description: server.Get("short_description").String(),
			Source:      "pulsemcp",
			Popularity:  server.Get("github_stars").Float(),
			URL:         server.Get("source_code_url").String(),
		}
		if server.Get("package_registry").String() == "npm" {
			result.Install = server.Get("package_name").String()
			result.Command = "npx"
		}
		results = append(results, result)
		return true
	})
	return results, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
