package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"toolgate/internal/domain"
)

// HTTPDoer is the proxy's client seam.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type httpProxy struct {
	client HTTPDoer
}

func newHTTPProxy(client HTTPDoer) *httpProxy {
	if client == nil {
		client = &http.Client{}
	}
	return &httpProxy{client: client}
}

var pathParamPattern = regexp.MustCompile(`\{([^}]+)\}`)

// renderPath substitutes {param} segments from the path arguments, escaping
// each value. A template parameter without an argument is an error.
func renderPath(template string, pathArgs map[string]any) (string, error) {
	var missing string
	rendered := pathParamPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		value, ok := pathArgs[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return match
		}
		return url.PathEscape(fmt.Sprint(value))
	})
	if missing != "" {
		return "", domain.E(domain.CodeInvalidArgument, "dispatch.renderPath",
			fmt.Sprintf("missing required path parameter %q", missing), nil)
	}
	return rendered, nil
}

// combineBaseAndPath joins the owner's base URL path with the rendered
// operation path. The rendered path is already escaped, so the URL is
// assembled as a string; routing it through url.URL.Path would escape the
// percent signs a second time.
func combineBaseAndPath(baseURL, path string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	suffix := path
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	basePath := strings.TrimRight(parsed.EscapedPath(), "/")
	return parsed.Scheme + "://" + parsed.Host + basePath + suffix, nil
}

type callArguments struct {
	path    map[string]any
	query   map[string]any
	headers map[string]any
	cookies map[string]any
	body    any
	timeout time.Duration
}

func parseArguments(args map[string]any) (callArguments, error) {
	parsed := callArguments{
		timeout: domain.DefaultDispatchTimeoutSeconds * time.Second,
	}

	group := func(key string) (map[string]any, error) {
		raw, ok := args[key]
		if !ok || raw == nil {
			return nil, nil
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, domain.E(domain.CodeInvalidArgument, "dispatch.parseArguments",
				fmt.Sprintf("`%s` must be an object", key), nil)
		}
		return m, nil
	}

	var err error
	if parsed.path, err = group("path"); err != nil {
		return callArguments{}, err
	}
	if parsed.query, err = group("query"); err != nil {
		return callArguments{}, err
	}
	if parsed.headers, err = group("headers"); err != nil {
		return callArguments{}, err
	}
	if parsed.cookies, err = group("cookies"); err != nil {
		return callArguments{}, err
	}
	parsed.body = args["body"]

	if raw, ok := args["timeout_sec"]; ok && raw != nil {
		seconds, ok := asFloat(raw)
		if !ok {
			return callArguments{}, domain.E(domain.CodeInvalidArgument, "dispatch.parseArguments",
				"`timeout_sec` must be numeric", nil)
		}
		if seconds < 1 {
			seconds = 1
		}
		if seconds > domain.MaxDispatchTimeoutSeconds {
			seconds = domain.MaxDispatchTimeoutSeconds
		}
		parsed.timeout = time.Duration(seconds * float64(time.Second))
	}
	return parsed, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// invoke proxies one openapi tool call to its upstream.
func (p *httpProxy) invoke(ctx context.Context, entry domain.CatalogTool, args map[string]any) (domain.InvocationResult, error) {
	parsed, err := parseArguments(args)
	if err != nil {
		return domain.InvocationResult{}, err
	}

	rendered, err := renderPath(entry.Path, parsed.path)
	if err != nil {
		return domain.InvocationResult{}, err
	}
	requestURL, err := combineBaseAndPath(entry.OwnerURL, rendered)
	if err != nil {
		return domain.InvocationResult{}, domain.E(domain.CodeInvalidArgument, "dispatch.invoke", "", err)
	}

	var bodyReader io.Reader
	contentType := ""
	if parsed.body != nil {
		switch parsed.body.(type) {
		case map[string]any, []any:
			raw, err := json.Marshal(parsed.body)
			if err != nil {
				return domain.InvocationResult{}, domain.E(domain.CodeInvalidArgument, "dispatch.invoke", "marshal body", err)
			}
			bodyReader = bytes.NewReader(raw)
			contentType = "application/json"
		default:
			bodyReader = strings.NewReader(fmt.Sprint(parsed.body))
		}
		if entry.BodyContentType != "" {
			contentType = entry.BodyContentType
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, parsed.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, entry.Method, requestURL, bodyReader)
	if err != nil {
		return domain.InvocationResult{}, domain.E(domain.CodeInvalidArgument, "dispatch.invoke", "", err)
	}

	query := req.URL.Query()
	for key, value := range parsed.query {
		query.Set(key, fmt.Sprint(value))
	}
	req.URL.RawQuery = query.Encode()

	for key, value := range parsed.headers {
		req.Header.Set(key, fmt.Sprint(value))
	}
	for key, value := range parsed.cookies {
		req.AddCookie(&http.Cookie{Name: key, Value: fmt.Sprint(value)})
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.InvocationResult{}, domain.E(domain.CodeUnavailable, "dispatch.invoke",
			fmt.Sprintf("upstream call failed: %v", err), domain.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.InvocationResult{}, domain.E(domain.CodeUnavailable, "dispatch.invoke",
			fmt.Sprintf("read upstream response: %v", err), domain.ErrUpstreamUnavailable)
	}

	responseType := resp.Header.Get("Content-Type")
	var body any = string(raw)
	if strings.Contains(strings.ToLower(responseType), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			body = decoded
		}
	}

	return domain.InvocationResult{
		App:         entry.Ref.Owner.Name,
		Tool:        entry.ExposedName,
		Method:      entry.Method,
		URL:         req.URL.String(),
		StatusCode:  resp.StatusCode,
		OK:          resp.StatusCode >= 200 && resp.StatusCode < 300,
		ContentType: responseType,
		Body:        body,
	}, nil
}
