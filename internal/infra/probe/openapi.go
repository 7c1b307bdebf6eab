package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// HTTPSpecProber discovers an app's tools by fetching its OpenAPI document.
type HTTPSpecProber struct {
	client  *http.Client
	logger  *zap.Logger
	backoff time.Duration
}

type HTTPSpecProberOptions struct {
	// Client is used for all spec fetches. Nil gets a client with the
	// default probe timeout.
	Client *http.Client

	// Backoff is the pause between retry rounds. Zero means the default.
	Backoff time.Duration
}

func NewHTTPSpecProber(logger *zap.Logger, opts HTTPSpecProberOptions) *HTTPSpecProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: domain.DefaultProbeTimeoutSeconds * time.Second}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = domain.DefaultRetryBackoffMS * time.Millisecond
	}
	return &HTTPSpecProber{
		client:  client,
		logger:  logger.Named("probe.openapi"),
		backoff: backoff,
	}
}

// Probe fetches and classifies the owner's OpenAPI surface. The returned
// operations already include the placeholder when the owner opted in and the
// app is not healthy.
func (p *HTTPSpecProber) Probe(ctx context.Context, owner domain.Owner, retries int) (domain.Diagnostic, []domain.RawOperation) {
	diag := domain.Diagnostic{
		Owner:              owner.Ref,
		URL:                owner.URL,
		SpecPath:           owner.SpecPath,
		IncludeUnreachable: owner.IncludeUnreachable,
	}

	spec, fetchDiag, err := p.fetchSpec(ctx, owner, retries)
	diag.CandidateURLs = fetchDiag.candidates
	diag.RoundsAttempted = fetchDiag.rounds
	diag.RequestsAttempted = fetchDiag.requests
	diag.LatencyMS = fetchDiag.latencyMS
	diag.UsedSpecURL = fetchDiag.usedURL

	if err != nil {
		diag.Status = domain.ProbeUnreachable
		diag.Error = err.Error()
		return p.withPlaceholder(owner, diag)
	}

	diag.OperationCount = countOperations(spec)
	if diag.OperationCount == 0 {
		diag.Status = domain.ProbeZeroEndpoints
		diag.Error = "OpenAPI spec contains no operations"
		return p.withPlaceholder(owner, diag)
	}

	operations := extractOperations(owner.Ref.Name, spec)
	diag.Status = domain.ProbeHealthy
	diag.ToolCount = len(operations)

	p.logger.Debug("app probed",
		zap.String("owner", owner.Ref.String()),
		zap.String("spec_url", diag.UsedSpecURL),
		zap.Int("operations", diag.OperationCount))
	return diag, operations
}

func (p *HTTPSpecProber) withPlaceholder(owner domain.Owner, diag domain.Diagnostic) (domain.Diagnostic, []domain.RawOperation) {
	if !owner.IncludeUnreachable {
		return diag, nil
	}
	reason := diag.Error
	if reason == "" {
		reason = string(diag.Status)
	}
	diag.PlaceholderToolAdded = true
	diag.ToolCount = 1
	return diag, []domain.RawOperation{PlaceholderOperation(owner.Ref.Name, reason)}
}

type fetchDiagnostics struct {
	candidates []string
	rounds     int
	requests   int
	latencyMS  int64
	usedURL    string
}

// fetchSpec tries every candidate URL for retries+1 rounds and returns the
// first JSON object obtained with HTTP < 400.
func (p *HTTPSpecProber) fetchSpec(ctx context.Context, owner domain.Owner, retries int) (map[string]any, fetchDiagnostics, error) {
	started := time.Now()
	var diag fetchDiagnostics

	candidates, err := BuildCandidates(owner.URL, owner.SpecPath)
	if err != nil {
		diag.latencyMS = time.Since(started).Milliseconds()
		return nil, diag, err
	}
	diag.candidates = candidates

	if retries < 0 {
		retries = 0
	}
	var attemptErrors []string
	for round := 0; round <= retries; round++ {
		diag.rounds = round + 1
		if round > 0 {
			select {
			case <-ctx.Done():
				diag.latencyMS = time.Since(started).Milliseconds()
				return nil, diag, ctx.Err()
			case <-time.After(p.backoff):
			}
		}

		for _, candidate := range candidates {
			diag.requests++
			spec, err := p.fetchOne(ctx, candidate)
			if err != nil {
				attemptErrors = append(attemptErrors, fmt.Sprintf("%s: %v", candidate, err))
				continue
			}
			diag.usedURL = candidate
			diag.latencyMS = time.Since(started).Milliseconds()
			return spec, diag, nil
		}
	}

	diag.latencyMS = time.Since(started).Milliseconds()
	detail := "could not fetch a valid OpenAPI spec"
	if len(attemptErrors) > 0 {
		detail += ": tried " + strings.Join(attemptErrors, "; ")
	}
	return nil, diag, fmt.Errorf("%s", detail)
}

func (p *HTTPSpecProber) fetchOne(ctx context.Context, candidate string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON response")
	}
	spec, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return spec, nil
}
