package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
	"toolgate/internal/infra/probe"
	"toolgate/internal/infra/registry"
)

// fakeProber serves scripted probe results and counts calls.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]probeResult
	calls   atomic.Int64
	block   chan struct{}
	started chan struct{}
}

type probeResult struct {
	diag domain.Diagnostic
	ops  []domain.RawOperation
}

func newFakeProber() *fakeProber {
	return &fakeProber{results: map[string]probeResult{}}
}

func (f *fakeProber) set(owner domain.OwnerRef, diag domain.Diagnostic, ops []domain.RawOperation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	diag.Owner = owner
	f.results[owner.String()] = probeResult{diag: diag, ops: ops}
}

func (f *fakeProber) Probe(ctx context.Context, owner domain.Owner, retries int) (domain.Diagnostic, []domain.RawOperation) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.results[owner.Ref.String()]
	if !ok {
		return domain.Diagnostic{
			Owner:  owner.Ref,
			Status: domain.ProbeUnreachable,
			Error:  "no scripted result",
		}, nil
	}
	return result.diag, result.ops
}

func healthyOp(name string) domain.RawOperation {
	return domain.RawOperation{
		Name:        name,
		Method:      "GET",
		Path:        "/" + name,
		Description: "op " + name,
		InputSchema: map[string]any{"type": "object"},
	}
}

type builderFixture struct {
	store   *registry.Store
	prober  *fakeProber
	builder *Builder
}

func newBuilderFixture(t *testing.T, opts BuilderOptions) *builderFixture {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prober := newFakeProber()
	builder := NewBuilder(store, map[domain.OwnerKind]probe.Prober{
		domain.OwnerApp: prober,
		domain.OwnerMCP: prober,
	}, nil, opts)
	return &builderFixture{store: store, prober: prober, builder: builder}
}

func (f *builderFixture) addOwner(t *testing.T, kind domain.OwnerKind, name string) domain.OwnerRef {
	t.Helper()
	ref := domain.OwnerRef{Kind: kind, Name: name}
	require.NoError(t, f.store.UpsertOwner(context.Background(), domain.Owner{
		Ref:     ref,
		URL:     fmt.Sprintf("http://%s.internal", name),
		Enabled: true,
	}))
	return ref
}

func TestBuildMergesOwnersAndExposesNames(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})

	app := f.addOwner(t, domain.OwnerApp, "billing")
	mcpRef := f.addOwner(t, domain.OwnerMCP, "notes")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__list_invoices"),
	})
	f.prober.set(mcpRef, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		{Name: "search", Method: "MCP", Path: "search", InputSchema: map[string]any{"type": "object"}},
	})

	catalog, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Len(t, catalog.Tools, 2)
	require.Contains(t, catalog.Tools, "billing__list_invoices")
	require.Contains(t, catalog.Tools, "mcp__notes__search")
	require.NotEmpty(t, catalog.ETag)
	require.Len(t, catalog.Diagnostics, 2)
	require.Empty(t, catalog.SyncErrors)

	// Reconciled rows landed in the registry with materialized policies.
	tool, err := f.store.GetTool(ctx, domain.ToolRef{
		Source: domain.SourceOpenAPI, Owner: app, Name: "billing__list_invoices",
	})
	require.NoError(t, err)
	require.Equal(t, domain.InitialToolVersion, tool.CurrentVersion)

	policies, err := f.store.GetOwnerPolicies(ctx, app)
	require.NoError(t, err)
	require.NotNil(t, policies.Default)
	require.Equal(t, domain.ModeAllow, policies.Default.Mode)
	require.Contains(t, policies.Tools, "billing__list_invoices")

	owner, err := f.store.GetOwner(ctx, app)
	require.NoError(t, err)
	require.Equal(t, domain.SyncSuccess, owner.LastSyncStatus)
}

func TestBuildWithinTTLServesSnapshotWithoutProbes(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{CacheTTL: time.Hour})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__ping"),
	})

	first, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	probes := f.prober.calls.Load()

	second, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, probes, f.prober.calls.Load())
	require.Equal(t, first.ETag, second.ETag)
	require.Equal(t, first.GeneratedAt, second.GeneratedAt)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{CacheTTL: time.Hour})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__ping"),
	})

	_, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	before := f.prober.calls.Load()

	f.builder.Invalidate()
	_, err = f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Greater(t, f.prober.calls.Load(), before)
}

func TestRetriesOverrideBypassesCache(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{CacheTTL: time.Hour})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__ping"),
	})

	first, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)

	retries := 0
	_, err = f.builder.Build(ctx, BuildOptions{Retries: &retries})
	require.NoError(t, err)

	// The override probed again but did not replace the snapshot.
	cached, ok := f.builder.Current()
	require.True(t, ok)
	require.Equal(t, first.GeneratedAt, cached.GeneratedAt)
}

func TestUnchangedUpstreamKeepsVersionChangedBumps(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	op := healthyOp("billing__list")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{op})

	_, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	ref := domain.ToolRef{Source: domain.SourceOpenAPI, Owner: app, Name: op.Name}
	tool, err := f.store.GetTool(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", tool.CurrentVersion)
	firstHash := tool.DiscoveryHash

	// Unchanged shape: same hash, same version.
	_, err = f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	tool, err = f.store.GetTool(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, firstHash, tool.DiscoveryHash)
	require.Equal(t, "1.0.0", tool.CurrentVersion)

	// Changed shape: new hash, minor bump.
	changed := op
	changed.Description = "now paginated"
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{changed})
	_, err = f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	tool, err = f.store.GetTool(ctx, ref)
	require.NoError(t, err)
	require.NotEqual(t, firstHash, tool.DiscoveryHash)
	require.Equal(t, "1.1.0", tool.CurrentVersion)
}

func TestVanishedToolGoesStaleNotDeleted(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__keep"), healthyOp("billing__drop"),
	})

	_, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)

	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__keep"),
	})
	catalog, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Contains(t, catalog.Tools, "billing__keep")
	require.NotContains(t, catalog.Tools, "billing__drop")

	dropped, err := f.store.GetTool(ctx, domain.ToolRef{
		Source: domain.SourceOpenAPI, Owner: app, Name: "billing__drop",
	})
	require.NoError(t, err)
	require.Equal(t, domain.RegistrationStale, dropped.RegistrationState)
}

func TestUnreachableOwnerLeavesToolsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__list"),
	})
	_, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)

	f.prober.set(app, domain.Diagnostic{
		Status: domain.ProbeUnreachable,
		Error:  "connection refused",
	}, nil)
	catalog, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Empty(t, catalog.Tools)
	require.Len(t, catalog.SyncErrors, 1)

	// The registry row survives exactly as it was.
	tool, err := f.store.GetTool(ctx, domain.ToolRef{
		Source: domain.SourceOpenAPI, Owner: app, Name: "billing__list",
	})
	require.NoError(t, err)
	require.Equal(t, domain.RegistrationSelected, tool.RegistrationState)

	owner, err := f.store.GetOwner(ctx, app)
	require.NoError(t, err)
	require.Equal(t, domain.SyncFailed, owner.LastSyncStatus)
	require.Equal(t, "connection refused", owner.LastSyncError)
}

func TestPlaceholderLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})
	app := domain.OwnerRef{Kind: domain.OwnerApp, Name: "billing"}
	require.NoError(t, f.store.UpsertOwner(ctx, domain.Owner{
		Ref:                app,
		URL:                "http://billing.internal",
		IncludeUnreachable: true,
		Enabled:            true,
	}))

	placeholder := probe.PlaceholderOperation("billing", "connection refused")
	f.prober.set(app, domain.Diagnostic{
		Status:               domain.ProbeUnreachable,
		Error:                "connection refused",
		PlaceholderToolAdded: true,
		ToolCount:            1,
	}, []domain.RawOperation{placeholder})

	catalog, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Len(t, catalog.Tools, 1)
	entry, ok := catalog.Tools["billing"+domain.PlaceholderNameSuffix]
	require.True(t, ok)
	require.True(t, entry.IsPlaceholder)

	// The app comes back with three real operations: a forced refresh
	// replaces the placeholder with exactly those.
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__a"), healthyOp("billing__b"), healthyOp("billing__c"),
	})
	catalog, err = f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Len(t, catalog.Tools, 3)
	require.NotContains(t, catalog.Tools, "billing"+domain.PlaceholderNameSuffix)

	tools, err := f.store.ListTools(ctx, app)
	require.NoError(t, err)
	for _, tool := range tools {
		require.False(t, tool.IsPlaceholder)
	}
}

func TestConcurrentForceRefreshCollapses(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{CacheTTL: time.Hour})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__ping"),
	})

	f.prober.block = make(chan struct{})
	f.prober.started = make(chan struct{}, 1)

	type buildResult struct {
		catalog domain.Catalog
		err     error
	}
	results := make(chan buildResult, 2)
	launch := func() {
		catalog, err := f.builder.Build(ctx, BuildOptions{ForceRefresh: true})
		results <- buildResult{catalog, err}
	}

	go launch()
	<-f.prober.started // first builder is mid-probe and holds the gate
	go launch()
	time.Sleep(50 * time.Millisecond) // second builder is queued on the gate
	close(f.prober.block)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.Equal(t, first.catalog.ETag, second.catalog.ETag)
	require.Equal(t, first.catalog.GeneratedAt, second.catalog.GeneratedAt)
	require.EqualValues(t, 1, f.prober.calls.Load(), "exactly one fan-out")
}

func TestSubscribeSeesNewSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__ping"),
	})

	var seen []string
	f.builder.Subscribe(func(catalog domain.Catalog) {
		seen = append(seen, catalog.ETag)
	})

	catalog, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{catalog.ETag}, seen)
}

func TestInvalidateDuringRebuildStaysVisible(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{CacheTTL: time.Hour})
	app := f.addOwner(t, domain.OwnerApp, "billing")
	f.prober.set(app, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("billing__ping"),
	})

	f.prober.block = make(chan struct{})
	f.prober.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.builder.Build(ctx, BuildOptions{})
		done <- err
	}()
	<-f.prober.started

	// Registry changes while the rebuild is in flight: a second owner plus
	// an invalidation. The snapshot being built predates both.
	crm := f.addOwner(t, domain.OwnerApp, "crm")
	f.prober.set(crm, domain.Diagnostic{Status: domain.ProbeHealthy}, []domain.RawOperation{
		healthyOp("crm__ping"),
	})
	f.builder.Invalidate()

	close(f.prober.block)
	require.NoError(t, <-done)

	catalog, err := f.builder.Build(ctx, BuildOptions{})
	require.NoError(t, err)
	require.Len(t, catalog.Tools, 2)
	require.Contains(t, catalog.Tools, "crm__ping")
}

func TestReconcileSelectionSkipsPlaceholders(t *testing.T) {
	ctx := context.Background()
	f := newBuilderFixture(t, BuilderOptions{})
	owner := domain.Owner{
		Ref:                domain.OwnerRef{Kind: domain.OwnerApp, Name: "billing"},
		URL:                "http://billing.internal",
		IncludeUnreachable: true,
		SelectedTools:      []string{"billing__list"},
		Enabled:            true,
	}
	require.NoError(t, f.store.UpsertOwner(ctx, owner))

	placeholder := probe.PlaceholderOperation("billing", "connection refused")

	// Unreachable path: the placeholder lands selected despite the allow-list
	// not naming it.
	tools, err := f.builder.reconcile(ctx, owner, domain.Diagnostic{
		Owner:                owner.Ref,
		Status:               domain.ProbeUnreachable,
		Error:                "connection refused",
		PlaceholderToolAdded: true,
	}, []domain.RawOperation{placeholder})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, domain.RegistrationSelected, tools[0].RegistrationState)

	// Healthy path with the same operations: the allow-list filters real
	// tools but leaves the placeholder's selection alone.
	tools, err = f.builder.reconcile(ctx, owner, domain.Diagnostic{
		Owner:  owner.Ref,
		Status: domain.ProbeHealthy,
	}, []domain.RawOperation{placeholder, healthyOp("billing__list"), healthyOp("billing__extra")})
	require.NoError(t, err)

	names := map[string]domain.RegistrationState{}
	for _, tool := range tools {
		names[tool.Ref.Name] = tool.RegistrationState
	}
	require.Contains(t, names, placeholder.Name)
	require.Contains(t, names, "billing__list")
	require.NotContains(t, names, "billing__extra")
}
