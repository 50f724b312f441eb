// Package handlers implements the OData verb dispatcher: it parses the
// request shape, resolves the caller identity, branches per HTTP method, and
// funnels every fault through the single error classifier.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/operations"
	"github.com/nlstn/go-contentrepo/internal/response"
)

// Options carries the per-request limits and knobs injected at construction.
type Options struct {
	// MaxRequestBodySize caps request bodies in bytes. Zero means 10 MiB.
	MaxRequestBodySize int64
	// TokenSecret verifies bearer tokens. Empty means every caller is the
	// Visitor.
	TokenSecret []byte
	// RunningPollInterval is the re-check interval while waiting for the
	// repository running flag. Zero means 100ms.
	RunningPollInterval time.Duration
}

const defaultMaxBodySize = 10 << 20

// Indexer is notified after successful writes and deletes so the full-text
// index tracks the repository. Index failures are logged, never surfaced to
// the client.
type Indexer interface {
	IndexContent(ctx context.Context, c *content.Content) error
	RemoveContent(ctx context.Context, nodeID uint) error
}

// ODataMiddleware is the per-process dispatcher. It owns no per-request
// state; everything request-scoped travels on the context.
type ODataMiddleware struct {
	schema   *content.Schema
	store    *content.Store
	security auth.SecurityHandler
	gate     *auth.Gate
	registry *operations.Registry
	groups   auth.GroupResolver
	indexer  Indexer
	writer   response.Writer
	logger   *slog.Logger
	running  *atomic.Bool
	opts     Options
}

// NewODataMiddleware wires the dispatcher. A nil security handler disables
// permission checks; a nil running flag means always running.
func NewODataMiddleware(schema *content.Schema, store *content.Store, security auth.SecurityHandler,
	gate *auth.Gate, registry *operations.Registry, groups auth.GroupResolver,
	running *atomic.Bool, logger *slog.Logger, opts Options) *ODataMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxBodySize
	}
	if opts.RunningPollInterval <= 0 {
		opts.RunningPollInterval = 100 * time.Millisecond
	}
	return &ODataMiddleware{
		schema:   schema,
		store:    store,
		security: security,
		gate:     gate,
		registry: registry,
		groups:   groups,
		writer:   response.JSONWriter{},
		logger:   logger,
		running:  running,
		opts:     opts,
	}
}

// SetWriter swaps the response writer. Intended for format negotiation at
// startup, not per request.
func (m *ODataMiddleware) SetWriter(w response.Writer) {
	if w != nil {
		m.writer = w
	}
}

// SetIndexer attaches the full-text indexer. A nil indexer leaves writes
// unindexed.
func (m *ODataMiddleware) SetIndexer(ix Indexer) {
	m.indexer = ix
}

func (m *ODataMiddleware) indexSaved(ctx context.Context, c *content.Content) {
	if m.indexer == nil {
		return
	}
	if err := m.indexer.IndexContent(ctx, c); err != nil {
		m.logger.Warn("Failed to index content", "path", c.Path(), "error", err)
	}
}

func (m *ODataMiddleware) indexRemoved(ctx context.Context, nodeID uint) {
	if m.indexer == nil {
		return
	}
	if err := m.indexer.RemoveContent(ctx, nodeID); err != nil {
		m.logger.Warn("Failed to remove content from index", "node", nodeID, "error", err)
	}
}

func (m *ODataMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !m.waitForRunning(ctx) {
		if ctx.Err() == nil {
			m.writer.WriteError(w, r, http.StatusServiceUnavailable, string(CodeNotSpecified), "repository is not running")
		}
		return
	}

	req, err := ParseRequest(r)
	if err != nil {
		m.writeFault(ctx, w, r, nil, "", err)
		return
	}

	identity := auth.FromRequest(ctx, r, m.opts.TokenSecret, m.groups)
	ctx = WithIdentity(ctx, identity)
	ctx = withODataRequest(ctx, req)
	r = r.WithContext(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, m.opts.MaxRequestBodySize)

	switch r.Method {
	case http.MethodGet:
		err = m.handleGet(ctx, w, r, req)
	case http.MethodPut:
		err = m.handlePut(ctx, w, r, req)
	case http.MethodPatch, "MERGE":
		err = m.handlePatch(ctx, w, r, req)
	case http.MethodPost:
		err = m.handlePost(ctx, w, r, req)
	case http.MethodDelete:
		err = m.handleDelete(ctx, w, r, req)
	default:
		err = NewIllegalInvokeError("method not supported: " + r.Method)
	}
	if err != nil {
		m.writeFault(ctx, w, r, m.faultTarget(ctx, req), m.faultOperation(req), err)
	}
}

// waitForRunning polls the running flag until it flips or the caller goes
// away. Many requests may wait on the same flag during startup.
func (m *ODataMiddleware) waitForRunning(ctx context.Context) bool {
	if m.running == nil || m.running.Load() {
		return true
	}
	ticker := time.NewTicker(m.opts.RunningPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if m.running.Load() {
				return true
			}
		}
	}
}

// loadTarget resolves the addressed content. Absence and security-hidden
// existence both surface as the silent not-found fault.
func (m *ODataMiddleware) loadTarget(ctx context.Context, repoPath string) (*content.Content, error) {
	target, err := content.Load(ctx, m.schema, m.store, repoPath)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, silentNotFound()
	}
	identity := IdentityFromContext(ctx)
	if m.gate != nil && !m.gate.CanSee(ctx, identity, target) {
		return nil, silentNotFound()
	}
	return target, nil
}

// faultTarget best-effort reloads the addressed content for the classifier's
// security-degrade rule. Errors here must not mask the original fault.
func (m *ODataMiddleware) faultTarget(ctx context.Context, req *ODataRequest) *content.Content {
	if req == nil || req.RepositoryPath == "" {
		return nil
	}
	target, err := content.Load(ctx, m.schema, m.store, req.RepositoryPath)
	if err != nil {
		return nil
	}
	return target
}

func (m *ODataMiddleware) faultOperation(req *ODataRequest) string {
	if req == nil {
		return ""
	}
	return req.MemberName
}

// referenceResolver resolves reference tokens against visible content only:
// a target the caller cannot See resolves as broken, not as a hit.
func (m *ODataMiddleware) referenceResolver(identity auth.Identity) content.ReferenceResolver {
	return func(ctx context.Context, pathOrID string) (uint, bool) {
		target, err := resolveReference(ctx, m.schema, m.store, pathOrID)
		if err != nil || target == nil {
			return 0, false
		}
		if m.gate != nil && !m.gate.CanSee(ctx, identity, target) {
			return 0, false
		}
		return target.ID(), true
	}
}

func resolveReference(ctx context.Context, schema *content.Schema, store *content.Store, pathOrID string) (*content.Content, error) {
	if len(pathOrID) > 0 && pathOrID[0] == '/' {
		return content.Load(ctx, schema, store, pathOrID)
	}
	var id uint
	for _, ch := range pathOrID {
		if ch < '0' || ch > '9' {
			return nil, nil
		}
		id = id*10 + uint(ch-'0')
	}
	if id == 0 {
		return nil, nil
	}
	return content.LoadByID(ctx, schema, store, id)
}

// hasPermission applies the administrative bypass before consulting the
// security handler.
func (m *ODataMiddleware) hasPermission(ctx context.Context, identity auth.Identity, path string, perms auth.Permission) bool {
	if m.security == nil || identity.IsAdministrator() {
		return true
	}
	return m.security.HasPermission(ctx, identity, path, perms)
}
