package contentrepo

import (
	"context"
	"fmt"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/handlers"
	"github.com/nlstn/go-contentrepo/internal/operations"
)

// registerBuiltinOperations wires the standard server methods into the
// registry. Called once through DiscoverOnce; registration errors here are
// programming mistakes and panic.
func registerBuiltinOperations(reg *operations.Registry, r *Repository) {
	ops := []*operations.OperationInfo{
		{
			Name: "GetPermissionOverview",
			Optional: []operations.Parameter{
				{Name: "identity", Type: operations.String()},
			},
			Requirements: auth.OperationRequirements{Permissions: auth.PermSee},
			Handler:      r.getPermissionOverview,
		},
		{
			Name: "CheckSecurityConsistency",
			Optional: []operations.Parameter{
				{Name: "detailed", Type: operations.Bool()},
			},
			Requirements: auth.OperationRequirements{Roles: []string{auth.AdministratorsGroup}},
			Handler:      r.checkSecurityConsistency,
		},
		{
			Name: "Restore",
			Required: []operations.Parameter{
				{Name: "id", Type: operations.Long()},
			},
			Requirements: auth.OperationRequirements{Permissions: auth.PermSave},
			Handler:      r.restoreFromTrash,
		},
		{
			Name: "Purge",
			Required: []operations.Parameter{
				{Name: "id", Type: operations.Long()},
			},
			Requirements: auth.OperationRequirements{Roles: []string{auth.AdministratorsGroup}},
			Handler:      r.purgeFromTrash,
		},
		{
			Name: "FinalizeContent",
			Required: []operations.Parameter{
				{Name: "token", Type: operations.String()},
			},
			Requirements: auth.OperationRequirements{Permissions: auth.PermSave},
			Handler:      r.finalizeContent,
		},
		{
			Name: "RollbackContent",
			Required: []operations.Parameter{
				{Name: "token", Type: operations.String()},
			},
			Requirements: auth.OperationRequirements{Permissions: auth.PermSave},
			Handler:      r.rollbackContent,
		},
		{
			Name: "GetVersionInfo",
			Optional: []operations.Parameter{
				{Name: "includeHash", Type: operations.Bool()},
			},
			Requirements: auth.OperationRequirements{Permissions: auth.PermOpen},
			Handler:      r.getVersionInfo,
		},
	}
	for _, op := range ops {
		reg.MustRegister(op)
	}
}

// getPermissionOverview aggregates the caller's effective permissions per
// ACL path. Administrators may pass another principal name to inspect it.
func (r *Repository) getPermissionOverview(ctx context.Context, _ *content.Content,
	params map[string]interface{}) (interface{}, error) {
	identity := handlers.IdentityFromContext(ctx)
	if name, ok := params["identity"].(string); ok && name != "" && name != identity.Name {
		if !identity.IsAdministrator() {
			return nil, &handlers.SecurityError{Path: "", Reason: "only administrators may inspect other principals"}
		}
		identity = auth.Identity{Name: name, Groups: r.security.GroupsOf(ctx, name)}
	}
	return r.security.PermissionOverview(ctx, identity)
}

func (r *Repository) checkSecurityConsistency(ctx context.Context, _ *content.Content,
	params map[string]interface{}) (interface{}, error) {
	result, err := r.security.CheckConsistency(ctx, r.store)
	if err != nil {
		return nil, err
	}
	if detailed, _ := params["detailed"].(bool); !detailed {
		// Trim the entry lists so the envelope only answers yes/no.
		return map[string]interface{}{"Consistent": result.Consistent}, nil
	}
	return result, nil
}

// restoreFromTrash puts a trashed node back at its original path.
func (r *Repository) restoreFromTrash(ctx context.Context, _ *content.Content,
	params map[string]interface{}) (interface{}, error) {
	id := params["id"].(int64)
	bag, err := r.store.TrashBagFor(ctx, uint(id))
	if err != nil {
		return nil, err
	}
	if bag == nil {
		return nil, handlers.NewNotFoundError(fmt.Sprintf("No trash bag found for node %d.", id))
	}
	if err := r.store.Restore(ctx, bag); err != nil {
		return nil, err
	}
	restored, err := content.LoadByID(ctx, r.schema, r.store, uint(id))
	if err != nil {
		return nil, err
	}
	if err := r.IndexContent(ctx, restored); err != nil {
		r.logger.Warn("Failed to re-index restored node", "id", restored.ID(), "error", err)
	}
	return restored, nil
}

// purgeFromTrash permanently removes a trashed node and its trash bag.
func (r *Repository) purgeFromTrash(ctx context.Context, _ *content.Content,
	params map[string]interface{}) (interface{}, error) {
	id := params["id"].(int64)
	node, err := r.store.LoadByID(ctx, uint(id))
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, handlers.NewNotFoundError(fmt.Sprintf("Node %d does not exist.", id))
	}
	if !node.Trashed {
		return nil, &handlers.InvalidContentActionError{
			Reason:  "NotTrashed",
			Message: "Only trashed content can be purged.",
		}
	}
	if err := r.store.HardDelete(ctx, node); err != nil {
		return nil, err
	}
	if err := r.index.DeleteDocument(ctx, node.ID); err != nil {
		r.logger.Warn("Failed to remove purged node from index", "id", node.ID, "error", err)
	}
	return nil, nil
}

func (r *Repository) finalizeContent(ctx context.Context, target *content.Content,
	params map[string]interface{}) (interface{}, error) {
	token := params["token"].(string)
	identity := handlers.IdentityFromContext(ctx)
	if err := target.Finalize(ctx, token, identity.ID); err != nil {
		return nil, err
	}
	return target, nil
}

func (r *Repository) rollbackContent(ctx context.Context, target *content.Content,
	params map[string]interface{}) (interface{}, error) {
	token := params["token"].(string)
	if err := target.RollbackMultistep(ctx, token); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Repository) getVersionInfo(ctx context.Context, target *content.Content,
	params map[string]interface{}) (interface{}, error) {
	info := map[string]interface{}{
		"Version":          target.Node().Version,
		"ModificationDate": target.Node().ModificationDate,
		"PendingChanges":   target.Node().PendingToken != "",
	}
	if include, _ := params["includeHash"].(bool); include {
		info["VersionHash"] = fmt.Sprintf("%016x", target.Node().VersionHash())
	}
	return info, nil
}
