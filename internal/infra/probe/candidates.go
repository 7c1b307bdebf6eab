package probe

import (
	"fmt"
	"net/url"
	"strings"
)

const specFileName = "/openapi.json"

// BuildCandidates returns the ordered list of URLs to try when locating an
// app's OpenAPI document:
//
//  1. the custom spec path, absolute as-is or joined onto the base path;
//  2. `<base path>/openapi.json`;
//  3. root `/openapi.json` when the base URL carries a resource path.
//
// A base URL whose path already ends in /openapi.json is its own sole
// default candidate.
func BuildCandidates(rawURL, specPath string) ([]string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("url must be a valid http:// or https:// endpoint: %q", rawURL)
	}

	compose := func(path string) string {
		u := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: path}
		return u.String()
	}

	basePath := parsed.Path
	var candidates []string
	seen := map[string]bool{}
	add := func(candidate string) {
		if !seen[candidate] {
			candidates = append(candidates, candidate)
			seen[candidate] = true
		}
	}

	if custom := strings.TrimSpace(specPath); custom != "" {
		if strings.HasPrefix(custom, "http://") || strings.HasPrefix(custom, "https://") {
			add(custom)
		} else if strings.HasPrefix(custom, "/") {
			add(compose(custom))
		} else {
			trimmed := strings.TrimRight(basePath, "/")
			add(compose(trimmed + "/" + custom))
		}
	}

	if strings.HasSuffix(basePath, specFileName) {
		add(compose(basePath))
		return candidates, nil
	}

	trimmed := strings.TrimRight(basePath, "/")
	add(compose(trimmed + specFileName))

	// The app may have been registered with a resource path (say /mcp) while
	// the spec is served from the root.
	if trimmed != "" {
		add(compose(specFileName))
	}

	return candidates, nil
}
