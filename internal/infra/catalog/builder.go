package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/probe"
)

// Registry is the slice of the persistence layer the builder reconciles
// into.
type Registry interface {
	ListEnabledOwners(ctx context.Context, kind domain.OwnerKind) ([]domain.Owner, error)
	GetTool(ctx context.Context, ref domain.ToolRef) (domain.Tool, error)
	UpsertTool(ctx context.Context, tool domain.Tool) error
	MarkStaleExcept(ctx context.Context, owner domain.OwnerRef, seen []string) error
	DeleteOwnerTools(ctx context.Context, owner domain.OwnerRef, placeholdersOnly bool) error
	EnsureDefaultPolicy(ctx context.Context, owner domain.OwnerRef, policy domain.Policy) error
	EnsureToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error
	RecordSyncResult(ctx context.Context, owner domain.OwnerRef, status domain.SyncStatus, errText string) error
}

// BuildOptions control one Build call.
type BuildOptions struct {
	// ForceRefresh bypasses the TTL check but still collapses into a
	// rebuild another caller finished while this one waited.
	ForceRefresh bool

	// Retries overrides the configured fetch retry count for this call
	// only. An override always probes and never populates the cache.
	Retries *int
}

type BuilderOptions struct {
	CacheTTL     time.Duration
	FetchRetries int
	ProbeTimeout time.Duration
	Concurrency  int
	Metrics      domain.Metrics
}

// Builder maintains the process-wide merged tool catalog: one immutable
// snapshot swapped atomically after each full rebuild.
type Builder struct {
	registry Registry
	probers  map[domain.OwnerKind]probe.Prober
	logger   *zap.Logger
	metrics  domain.Metrics

	gate       *RefreshGate
	state      atomic.Value // *snapshot
	generation atomic.Uint64

	mu           sync.Mutex
	ttl          time.Duration
	retries      int
	probeTimeout time.Duration
	concurrency  int
	subscribers  []func(domain.Catalog)
}

type snapshot struct {
	catalog domain.Catalog
	builtAt time.Time
	gen     uint64
	seq     uint64
}

func NewBuilder(registry Registry, probers map[domain.OwnerKind]probe.Prober, logger *zap.Logger, opts BuilderOptions) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = normalizeOptions(opts)
	return &Builder{
		registry:     registry,
		probers:      probers,
		logger:       logger.Named("catalog"),
		metrics:      opts.Metrics,
		ttl:          opts.CacheTTL,
		retries:      opts.FetchRetries,
		probeTimeout: opts.ProbeTimeout,
		concurrency:  opts.Concurrency,
		gate:         NewRefreshGate(),
	}
}

func normalizeOptions(opts BuilderOptions) BuilderOptions {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = domain.DefaultCacheTTLSeconds * time.Second
	}
	if opts.FetchRetries < 0 {
		opts.FetchRetries = domain.DefaultFetchRetries
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = domain.DefaultProbeTimeoutSeconds * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = domain.DefaultProbeConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}
	return opts
}

// UpdateOptions hot-applies new catalog settings and invalidates the cached
// snapshot so the next Build observes them. Metrics are fixed at construction.
func (b *Builder) UpdateOptions(opts BuilderOptions) {
	opts = normalizeOptions(opts)
	b.mu.Lock()
	b.ttl = opts.CacheTTL
	b.retries = opts.FetchRetries
	b.probeTimeout = opts.ProbeTimeout
	b.concurrency = opts.Concurrency
	b.mu.Unlock()
	b.Invalidate()
}

func (b *Builder) settings() (ttl time.Duration, retries int, probeTimeout time.Duration, concurrency int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl, b.retries, b.probeTimeout, b.concurrency
}

// Subscribe registers a callback invoked with every new cached snapshot.
// Callbacks run on the building goroutine and must be quick.
func (b *Builder) Subscribe(fn func(domain.Catalog)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Invalidate marks the current snapshot stale so the next Build rebuilds.
// Wired to every owner mutation on the admin surface.
func (b *Builder) Invalidate() {
	b.generation.Add(1)
}

// Current returns the cached snapshot without freshness checks. ok is false
// before the first successful build.
func (b *Builder) Current() (domain.Catalog, bool) {
	s := b.load()
	if s == nil {
		return domain.Catalog{}, false
	}
	return s.catalog, true
}

// Build returns a catalog, rebuilding when the snapshot is missing, older
// than the TTL, invalidated, or explicitly forced.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (domain.Catalog, error) {
	override := opts.Retries != nil

	if !opts.ForceRefresh && !override {
		if s := b.load(); b.fresh(s) {
			return s.catalog, nil
		}
	}

	var entrySeq uint64
	if s := b.load(); s != nil {
		entrySeq = s.seq
	}

	if err := b.gate.Acquire(ctx); err != nil {
		return domain.Catalog{}, err
	}
	defer b.gate.Release()

	// Another caller may have finished a rebuild while we queued; their
	// result is ours too, force or not.
	if s := b.load(); !override && s != nil && s.seq > entrySeq {
		return s.catalog, nil
	}
	if s := b.load(); !opts.ForceRefresh && !override && b.fresh(s) {
		return s.catalog, nil
	}

	_, retries, _, _ := b.settings()
	if override {
		retries = *opts.Retries
	}

	// The generation is captured before the rebuild reads the registry: an
	// Invalidate landing mid-build must leave the new snapshot already stale,
	// not be absorbed into it.
	gen := b.generation.Load()

	started := time.Now()
	catalog, err := b.rebuild(ctx, retries)
	b.metrics.ObserveCatalogBuild(len(catalog.Tools), time.Since(started), err)
	if err != nil {
		return domain.Catalog{}, err
	}

	if !override {
		var seq uint64
		if s := b.load(); s != nil {
			seq = s.seq
		}
		b.state.Store(&snapshot{
			catalog: catalog,
			builtAt: time.Now(),
			gen:     gen,
			seq:     seq + 1,
		})
		b.notify(catalog)
	}
	return catalog, nil
}

func (b *Builder) load() *snapshot {
	s, _ := b.state.Load().(*snapshot)
	return s
}

func (b *Builder) fresh(s *snapshot) bool {
	ttl, _, _, _ := b.settings()
	return s != nil &&
		s.gen == b.generation.Load() &&
		time.Since(s.builtAt) < ttl
}

func (b *Builder) notify(catalog domain.Catalog) {
	b.mu.Lock()
	subscribers := append([]func(domain.Catalog){}, b.subscribers...)
	b.mu.Unlock()
	for _, fn := range subscribers {
		fn(catalog)
	}
}

type probeOutcome struct {
	owner domain.Owner
	diag  domain.Diagnostic
	tools []domain.Tool
	err   error
}

// rebuild fans probes out over every enabled owner, reconciles each result
// into the registry and merges the survivors into one catalog. A single
// owner's failure becomes its diagnostic plus a sync error, never an abort.
func (b *Builder) rebuild(ctx context.Context, retries int) (domain.Catalog, error) {
	var owners []domain.Owner
	for _, kind := range []domain.OwnerKind{domain.OwnerApp, domain.OwnerMCP} {
		list, err := b.registry.ListEnabledOwners(ctx, kind)
		if err != nil {
			return domain.Catalog{}, fmt.Errorf("list %s owners: %w", kind, err)
		}
		owners = append(owners, list...)
	}

	results := make(chan probeOutcome, len(owners))
	jobs := make(chan domain.Owner)
	var wg sync.WaitGroup

	_, _, _, workers := b.settings()
	if workers > len(owners) {
		workers = len(owners)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case owner, ok := <-jobs:
					if !ok {
						return
					}
					results <- b.probeOne(ctx, owner, retries)
				}
			}
		}()
	}

	go func() {
		for _, owner := range owners {
			select {
			case <-ctx.Done():
			case jobs <- owner:
			}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	catalog := domain.Catalog{
		GeneratedAt: time.Now().UTC(),
		Tools:       map[string]domain.CatalogTool{},
	}
	var outcomes []probeOutcome
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	if err := ctx.Err(); err != nil {
		return domain.Catalog{}, err
	}

	// Deterministic merge order regardless of probe completion order.
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].owner.Ref.String() < outcomes[j].owner.Ref.String()
	})

	for _, outcome := range outcomes {
		catalog.Diagnostics = append(catalog.Diagnostics, outcome.diag)
		if outcome.err != nil {
			catalog.SyncErrors = append(catalog.SyncErrors,
				fmt.Sprintf("%s: %v", outcome.owner.Ref, outcome.err))
		}
		for _, tool := range outcome.tools {
			exposed := exposedName(outcome.owner.Ref, tool)
			for n := 2; ; n++ {
				if _, taken := catalog.Tools[exposed]; !taken {
					break
				}
				exposed = fmt.Sprintf("%s_%d", exposedName(outcome.owner.Ref, tool), n)
			}
			catalog.Tools[exposed] = domain.CatalogTool{
				Tool:        tool,
				ExposedName: exposed,
				OwnerURL:    outcome.owner.URL,
			}
		}
	}

	catalog.ETag = domain.CatalogETag(catalog.Tools)
	b.logger.Info("catalog rebuilt",
		zap.Int("owners", len(owners)),
		zap.Int("tools", len(catalog.Tools)),
		zap.Int("sync_errors", len(catalog.SyncErrors)))
	return catalog, nil
}

// exposedName is the collision-free published name: openapi tools keep their
// app-prefixed probe name, mcp tools get the mcp__{server}__{tool} form.
func exposedName(owner domain.OwnerRef, tool domain.Tool) string {
	if tool.Ref.Source == domain.SourceMCP {
		return fmt.Sprintf("mcp__%s__%s", owner.Name, tool.Ref.Name)
	}
	return tool.Ref.Name
}

func (b *Builder) probeOne(ctx context.Context, owner domain.Owner, retries int) probeOutcome {
	prober, ok := b.probers[owner.Ref.Kind]
	if !ok {
		return probeOutcome{
			owner: owner,
			diag: domain.Diagnostic{
				Owner:  owner.Ref,
				URL:    owner.URL,
				Status: domain.ProbeUnreachable,
				Error:  fmt.Sprintf("no prober for owner kind %q", owner.Ref.Kind),
			},
			err: fmt.Errorf("no prober for owner kind %q", owner.Ref.Kind),
		}
	}

	_, _, probeTimeout, _ := b.settings()
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	started := time.Now()
	diag, rawOps := prober.Probe(probeCtx, owner, retries)
	cancel()
	b.metrics.ObserveProbe(owner.Ref.Kind, diag.Status, time.Since(started))

	tools, err := b.reconcile(ctx, owner, diag, rawOps)
	if err != nil {
		b.logger.Warn("owner reconcile failed",
			zap.String("owner", owner.Ref.String()), zap.Error(err))
		return probeOutcome{owner: owner, diag: diag, err: err}
	}
	if diag.Status == domain.ProbeUnreachable && diag.Error != "" {
		return probeOutcome{owner: owner, diag: diag, tools: tools, err: fmt.Errorf("%s", diag.Error)}
	}
	return probeOutcome{owner: owner, diag: diag, tools: tools}
}
