package handlers

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/auth"
	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/model"
)

func (m *ODataMiddleware) handlePut(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	if req.IsControllerRequest || req.IsMemberRequest {
		return NewIllegalInvokeError("PUT is not allowed on a member or controller path")
	}
	return m.applyFieldUpdate(ctx, w, r, req, true)
}

func (m *ODataMiddleware) handlePatch(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	if req.IsControllerRequest || req.IsMemberRequest {
		return NewIllegalInvokeError("PATCH is not allowed on a member or controller path")
	}
	return m.applyFieldUpdate(ctx, w, r, req, false)
}

// applyFieldUpdate is the shared PUT/PATCH body: PUT resets the target to a
// blank slate first, giving it full-replace semantics.
func (m *ODataMiddleware) applyFieldUpdate(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest, reset bool) error {
	target, err := m.loadTarget(ctx, req.RepositoryPath)
	if err != nil {
		return err
	}
	identity := IdentityFromContext(ctx)
	if !m.hasPermission(ctx, identity, target.Path(), auth.PermSave) {
		return &SecurityError{Path: target.Path(), Reason: "Save permission required"}
	}

	data, order, err := m.readModel(r)
	if err != nil {
		return err
	}
	if reset {
		if err := target.ResetToDefaults(); err != nil {
			return err
		}
		// Preserved fields keep their prior values even when the replace
		// payload names them.
		for key := range data {
			if content.PreservedOnReset(key) {
				delete(data, key)
			}
		}
	}
	if err := target.UpdateFields(ctx, data, content.UpdateOptions{
		SkipBrokenReferences: r.URL.Query().Get("skipbrokenreferences") == "true",
		Resolver:             m.referenceResolver(identity),
		Logger:               m.logger,
		FieldOrder:           order,
	}); err != nil {
		return NewRequestError("field update failed", err)
	}
	if req.Multistep {
		token, err := target.SaveMultistep(ctx, identity.ID)
		if err != nil {
			return err
		}
		return m.writer.WriteValue(w, r, map[string]interface{}{"multistepToken": token})
	}
	if err := target.Save(ctx, identity.ID); err != nil {
		return err
	}
	m.indexSaved(ctx, target)
	return m.writer.WriteEntity(w, r, m.entityFields(target, req))
}

func (m *ODataMiddleware) handlePost(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	if req.IsControllerRequest || req.IsMemberRequest {
		target, err := m.loadTarget(ctx, req.RepositoryPath)
		if err != nil {
			return err
		}
		data, _, err := m.readModel(r)
		if err != nil {
			return err
		}
		return m.invokeOperation(ctx, w, r, req, target, data)
	}
	return m.createContent(ctx, w, r, req)
}

// invokeOperation resolves an overload, runs it through the authorization
// gate, and writes the handler result.
func (m *ODataMiddleware) invokeOperation(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest, target *content.Content, bag map[string]interface{}) error {
	cc, err := m.registry.Resolve(req.MemberName, bag)
	if err != nil {
		return err
	}
	identity := IdentityFromContext(ctx)
	if m.gate != nil {
		verdict, reason := m.gate.Evaluate(ctx, cc.Operation.Requirements, target, identity)
		switch verdict {
		case auth.VerdictInvisible:
			return silentNotFound()
		case auth.VerdictForbidden:
			return NewForbiddenError(reason)
		case auth.VerdictDisabled:
			return NewForbiddenError(fmt.Sprintf("operation %q is not enabled: %s", cc.Operation.Name, reason))
		}
	}

	result, err := cc.Invoke(ctx, target)
	if err != nil {
		return err
	}
	return m.writeOperationResult(w, r, req, result)
}

func (m *ODataMiddleware) writeOperationResult(w http.ResponseWriter, r *http.Request, req *ODataRequest, result interface{}) error {
	switch value := result.(type) {
	case nil:
		w.WriteHeader(http.StatusNoContent)
		return nil
	case *content.Content:
		return m.writer.WriteEntity(w, r, m.entityFields(value, req))
	case []*content.Content:
		items := make([]map[string]interface{}, 0, len(value))
		for _, item := range value {
			items = append(items, m.entityFields(item, req))
		}
		return m.writer.WriteCollection(w, r, items, -1)
	default:
		return m.writer.WriteValue(w, r, value)
	}
}

// createContent handles POST against a plain path: a new child under the
// addressed content, inferring the type when the body names none.
func (m *ODataMiddleware) createContent(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	parent, err := m.loadTarget(ctx, req.RepositoryPath)
	if err != nil {
		return err
	}
	identity := IdentityFromContext(ctx)
	if !m.hasPermission(ctx, identity, parent.Path(), auth.PermAddNew) {
		return &SecurityError{Path: parent.Path(), Reason: "AddNew permission required"}
	}

	data, order, err := m.readModel(r)
	if err != nil {
		return err
	}
	typeName := m.inferContentType(parent, data)
	name, _ := data["Name"].(string)
	child, err := content.New(m.schema, m.store, parent.Path(), typeName, name)
	if err != nil {
		return NewRequestError("cannot create content", err)
	}
	if err := child.UpdateFields(ctx, data, content.UpdateOptions{
		SkipBrokenReferences: r.URL.Query().Get("skipbrokenreferences") == "true",
		Resolver:             m.referenceResolver(identity),
		Logger:               m.logger,
		FieldOrder:           order,
	}); err != nil {
		return NewRequestError("field update failed", err)
	}
	if req.Multistep {
		token, err := child.SaveMultistep(ctx, identity.ID)
		if err != nil {
			return err
		}
		return m.writer.WriteValue(w, r, map[string]interface{}{"multistepToken": token})
	}
	if err := child.Save(ctx, identity.ID); err != nil {
		return err
	}
	m.indexSaved(ctx, child)
	w.Header().Set("Location", ServicePrefix+odataPath(child))
	return m.writer.WriteEntity(w, r, m.entityFields(child, req))
}

// inferContentType picks the created child's type: the model's explicit
// declaration, else the parent's first allowed child type, else File.
func (m *ODataMiddleware) inferContentType(parent *content.Content, data map[string]interface{}) string {
	for _, key := range []string{"__ContentType", "ContentType", "Type"} {
		if name, ok := data[key].(string); ok && name != "" {
			return name
		}
	}
	allowed := m.schema.EffectiveAllowedChildTypes(parent.TypeName())
	if len(allowed) > 0 {
		return allowed[0]
	}
	return "File"
}

func (m *ODataMiddleware) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	if req.IsControllerRequest || req.IsMemberRequest {
		return NewIllegalInvokeError("DELETE is not allowed on a member or controller path")
	}
	target, err := m.loadTarget(ctx, req.RepositoryPath)
	if err != nil {
		return err
	}
	identity := IdentityFromContext(ctx)
	if !m.hasPermission(ctx, identity, target.Path(), auth.PermDelete) {
		return &SecurityError{Path: target.Path(), Reason: "Delete permission required"}
	}
	if req.Permanent {
		if err := m.store.HardDelete(ctx, target.Node()); err != nil {
			return err
		}
	} else {
		if _, err := m.store.SoftDelete(ctx, target.Node(), identity.ID); err != nil {
			return err
		}
	}
	m.indexRemoved(ctx, target.ID())
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readModel extracts the request model from the body according to the
// declared content type, with the query string as fallback for empty bodies.
// The second return value carries the model's top-level property order when
// the payload is a JSON document; fields are applied in that order.
func (m *ODataMiddleware) readModel(r *http.Request) (map[string]interface{}, []string, error) {
	mediaType := r.Header.Get("Content-Type")
	if mediaType != "" {
		if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
			mediaType = parsed
		}
	}
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, nil, NewRequestError("invalid form body", err)
		}
		data, err := model.ParseForm(r.PostForm)
		if err != nil {
			return nil, nil, NewRequestError("invalid form body", err)
		}
		return data, model.DocumentOrder([]byte(r.PostForm.Get("models"))), nil
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := r.ParseMultipartForm(m.opts.MaxRequestBodySize); err != nil {
			return nil, nil, NewRequestError("invalid multipart body", err)
		}
		values := url.Values(r.MultipartForm.Value)
		data, err := model.ParseForm(values)
		if err != nil {
			return nil, nil, NewRequestError("invalid multipart body", err)
		}
		return data, model.DocumentOrder([]byte(values.Get("models"))), nil
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, NewRequestError("cannot read request body", err)
		}
		data, err := model.ParseModel(body, functionArguments(r.URL.Query()))
		if err != nil {
			return nil, nil, NewRequestError("invalid request model", err)
		}
		return data, model.DocumentOrder(body), nil
	}
}
