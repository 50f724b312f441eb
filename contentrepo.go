// Package contentrepo implements a hierarchical, versioned,
// permission-controlled content repository exposed over an OData web API.
//
// A Repository wires the collaborators together: the typed content store,
// the ACL-backed security layer, the operation registry with its structural
// overload matcher, the local inverted index, and the OData verb dispatcher.
// The package root exposes the coarse-grained surface; the moving parts live
// under internal/.
//
// # Basic usage
//
//	db, err := gorm.Open(sqlite.Open("repo.db"), &gorm.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	repo, err := contentrepo.New(db, contentrepo.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := repo.Install(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	repo.Start()
//	http.ListenAndServe(":8080", repo.Handler())
//
// Until Start is called the dispatcher holds incoming requests on a polling
// wait, so the HTTP listener may come up before installation finishes.
package contentrepo

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/handlers"
	"github.com/nlstn/go-contentrepo/internal/index"
	"github.com/nlstn/go-contentrepo/internal/observability"
	"github.com/nlstn/go-contentrepo/internal/operations"
	"github.com/nlstn/go-contentrepo/internal/patch"
	"github.com/nlstn/go-contentrepo/internal/response"
	"github.com/nlstn/go-contentrepo/internal/security"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Config carries the repository-level knobs. The zero value is usable.
type Config struct {
	// Logger receives structured log output. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxRequestBodySize caps request bodies in bytes. Zero means 10 MiB.
	MaxRequestBodySize int64

	// TokenSecret verifies bearer tokens. Empty means every caller is the
	// anonymous Visitor.
	TokenSecret []byte

	// IndexDirectory is the on-disk location of the inverted index. Empty
	// keeps the index in memory.
	IndexDirectory string

	// RunningPollInterval is how often a held request re-checks the running
	// flag. Zero means 100ms.
	RunningPollInterval time.Duration
}

// ObservabilityConfig enables tracing, metrics, and Server-Timing headers.
type ObservabilityConfig struct {
	TracerProvider     trace.TracerProvider
	MeterProvider      metric.MeterProvider
	ServiceName        string
	ServiceVersion     string
	EnableServerTiming bool
}

// Repository is the assembled content repository.
type Repository struct {
	db       *gorm.DB
	schema   *content.Schema
	store    *content.Store
	security *security.Store
	gate     *auth.Gate
	registry *operations.Registry
	index    *index.Adapter
	patches  *patch.Runner

	middleware *handlers.ODataMiddleware
	obs        *observability.Config
	logger     *slog.Logger
	running    atomic.Bool
	cfg        Config
}

// New assembles a repository on an open gorm connection. The schema is the
// built-in type hierarchy; operations register into the process-wide
// registry on first construction.
func New(db *gorm.DB, cfg Config) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("contentrepo: database connection is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Repository{
		db:     db,
		schema: content.DefaultSchema(),
		logger: logger,
		cfg:    cfg,
	}
	r.store = content.NewStore(db, logger)
	r.security = security.NewStore(db, logger)
	r.gate = auth.NewGate(r.schema, r.security, auth.Policies(), logger)
	r.patches = patch.NewRunner(db, logger, nil)

	idx, err := index.Open(cfg.IndexDirectory, logger)
	if err != nil {
		return nil, err
	}
	r.index = idx

	// Each repository carries its own operation table so two instances in
	// one process never bind handlers against each other's stores.
	r.registry = operations.NewRegistry()
	r.registry.DiscoverOnce(func(reg *operations.Registry) {
		registerBuiltinOperations(reg, r)
	})

	groups := auth.GroupResolver(func(ctx context.Context, principal string) []string {
		return r.security.GroupsOf(ctx, principal)
	})
	r.middleware = handlers.NewODataMiddleware(r.schema, r.store, r.security, r.gate,
		r.registry, groups, &r.running, logger, handlers.Options{
			MaxRequestBodySize:  cfg.MaxRequestBodySize,
			TokenSecret:         cfg.TokenSecret,
			RunningPollInterval: cfg.RunningPollInterval,
		})
	r.middleware.SetIndexer(r)
	return r, nil
}

// Install creates the database schema, seeds the mandatory tree, and runs
// any pending upgrade patches. Safe to call on every start.
func (r *Repository) Install(ctx context.Context) error {
	if err := r.store.Install(ctx); err != nil {
		return err
	}
	if err := r.security.Install(ctx); err != nil {
		return err
	}
	if err := r.patches.Install(ctx); err != nil {
		return err
	}
	return r.patches.Run(ctx, installPatches())
}

// Start flips the running flag; requests held on the startup wait proceed.
func (r *Repository) Start() {
	r.running.Store(true)
	r.logger.Info("Repository is running")
}

// Stop flips the running flag back; new requests wait again.
func (r *Repository) Stop() {
	r.running.Store(false)
}

// Close releases the index store.
func (r *Repository) Close() error {
	return r.index.Close()
}

// Handler returns the HTTP handler serving the OData surface, wrapped with
// the observability middleware when one is configured.
func (r *Repository) Handler() http.Handler {
	var h http.Handler = r.middleware
	if r.obs != nil {
		h = r.obs.Middleware(h)
	}
	return h
}

// SetLogger replaces the repository logger.
func (r *Repository) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetWriter swaps the response writer used by the dispatcher.
func (r *Repository) SetWriter(w response.Writer) {
	r.middleware.SetWriter(w)
}

// SetObservability configures OpenTelemetry tracing and metrics for the
// repository and enables Server-Timing headers when requested.
func (r *Repository) SetObservability(cfg ObservabilityConfig) error {
	opts := []observability.Option{observability.WithLogger(r.logger)}
	if cfg.TracerProvider != nil {
		opts = append(opts, observability.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, observability.WithMeterProvider(cfg.MeterProvider))
	}
	if cfg.ServiceName != "" {
		opts = append(opts, observability.WithServiceName(cfg.ServiceName))
	}
	if cfg.ServiceVersion != "" {
		opts = append(opts, observability.WithServiceVersion(cfg.ServiceVersion))
	}
	if cfg.EnableServerTiming {
		opts = append(opts, observability.WithServerTiming())
	}
	obs := observability.NewConfig(opts...)
	if err := obs.Initialize(); err != nil {
		return fmt.Errorf("contentrepo: observability init failed: %w", err)
	}
	r.obs = obs
	return nil
}

// RegisterOperation adds an operation overload to the shared registry.
func (r *Repository) RegisterOperation(op *operations.OperationInfo) error {
	return r.registry.Register(op)
}

// RegisterPolicy adds a named operation policy.
func (r *Repository) RegisterPolicy(name string, policy auth.Policy) error {
	return auth.Policies().Register(name, policy)
}

// Schema exposes the content type registry.
func (r *Repository) Schema() *content.Schema { return r.schema }

// Store exposes the node store.
func (r *Repository) Store() *content.Store { return r.store }

// Security exposes the ACL store.
func (r *Repository) Security() *security.Store { return r.security }

// Index exposes the inverted index adapter.
func (r *Repository) Index() *index.Adapter { return r.index }

// IndexContent writes one content item into the inverted index.
func (r *Repository) IndexContent(ctx context.Context, c *content.Content) error {
	fields := make(map[string]string)
	for name, value := range c.FieldValues() {
		if s, ok := value.(string); ok && s != "" {
			fields[name] = s
		}
	}
	fields["Name"] = c.Name()
	return r.index.AddDocument(ctx, &index.Document{
		NodeID:   c.ID(),
		Path:     c.Path(),
		TypeName: c.TypeName(),
		Fields:   fields,
	})
}

// RemoveContent drops a node's document from the inverted index.
func (r *Repository) RemoveContent(ctx context.Context, nodeID uint) error {
	return r.index.DeleteDocument(ctx, nodeID)
}

// installPatches is the built-in upgrade chain of the repository component.
func installPatches() []patch.Patch {
	return []patch.Patch{
		{
			Component:   "ContentRepository",
			From:        "0.0.0",
			To:          "1.0.0",
			Description: "Initial install marker",
			Action: func(ctx context.Context, env *patch.Environment) error {
				env.Logger.Info("Content repository installed")
				return nil
			},
		},
	}
}
