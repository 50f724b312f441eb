package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/content"
	"github.com/nlstn/go-contentrepo/internal/model"
)

func (m *ODataMiddleware) handleGet(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	switch {
	case req.IsServiceDocument:
		return m.writeServiceDocument(ctx, w, r)
	case req.IsMetadata:
		return m.writeMetadataDocument(w, r)
	case req.IsCollection:
		return m.writeChildrenCollection(ctx, w, r, req)
	case req.IsControllerRequest, req.IsMemberRequest:
		return m.writeMemberProperty(ctx, w, r, req)
	default:
		return m.writeSingleEntity(ctx, w, r, req)
	}
}

// writeServiceDocument lists the visible top-level collections under the
// repository root.
func (m *ODataMiddleware) writeServiceDocument(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	children, err := content.Children(ctx, m.schema, m.store, content.RootPath)
	if err != nil {
		return err
	}
	identity := IdentityFromContext(ctx)
	var sets []string
	for _, child := range children {
		if m.gate != nil && !m.gate.CanSee(ctx, identity, child) {
			continue
		}
		sets = append(sets, child.Name())
	}
	return m.writer.WriteValue(w, r, map[string]interface{}{"EntitySets": sets})
}

// writeMetadataDocument renders the registered content types and their field
// settings.
func (m *ODataMiddleware) writeMetadataDocument(w http.ResponseWriter, r *http.Request) error {
	types := make([]map[string]interface{}, 0)
	for _, ct := range m.schema.Types() {
		fields := make([]map[string]interface{}, 0, len(ct.Fields))
		for _, fs := range ct.Fields {
			fields = append(fields, map[string]interface{}{
				"Name":       fs.Name,
				"Type":       fs.Type.String(),
				"ReadOnly":   fs.ReadOnly,
				"Compulsory": fs.Compulsory,
			})
		}
		entry := map[string]interface{}{
			"Name":   ct.Name,
			"Fields": fields,
		}
		if ct.ParentType != "" {
			entry["ParentType"] = ct.ParentType
		}
		types = append(types, entry)
	}
	return m.writer.WriteValue(w, r, map[string]interface{}{"ContentTypes": types})
}

func (m *ODataMiddleware) writeChildrenCollection(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	parent, err := m.loadTarget(ctx, req.RepositoryPath)
	if err != nil {
		return err
	}
	children, err := content.Children(ctx, m.schema, m.store, parent.Path())
	if err != nil {
		return err
	}
	identity := IdentityFromContext(ctx)
	visible := make([]*content.Content, 0, len(children))
	for _, child := range children {
		if m.gate != nil && !m.gate.CanSee(ctx, identity, child) {
			continue
		}
		visible = append(visible, child)
	}

	result := req.Options.Apply(visible)
	items := make([]map[string]interface{}, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, m.entityFields(item, req))
	}
	count := -1
	if req.Options.InlineCount {
		count = result.Total
	}
	return m.writer.WriteCollection(w, r, items, count)
}

func (m *ODataMiddleware) writeSingleEntity(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	target, err := m.loadTarget(ctx, req.RepositoryPath)
	if err != nil {
		return err
	}
	return m.writer.WriteEntity(w, r, m.entityFields(target, req))
}

// writeMemberProperty renders a field value, or invokes a function-style
// operation when the member names one instead of a field.
func (m *ODataMiddleware) writeMemberProperty(ctx context.Context, w http.ResponseWriter, r *http.Request, req *ODataRequest) error {
	target, err := m.loadTarget(ctx, req.RepositoryPath)
	if err != nil {
		return err
	}
	if !req.IsControllerRequest {
		if value, ok := target.Value(req.MemberName); ok {
			return m.writer.WriteValue(w, r, map[string]interface{}{req.MemberName: value})
		}
	}
	if len(m.registry.Candidates(req.MemberName)) > 0 {
		bag, err := model.ParseForm(functionArguments(r.URL.Query()))
		if err != nil {
			return NewRequestError("invalid function arguments", err)
		}
		return m.invokeOperation(ctx, w, r, req, target, bag)
	}
	return NewNotFoundError(fmt.Sprintf("member %q not found on %s", req.MemberName, target.Path()))
}

// functionArguments strips system options from the query so only caller
// arguments reach the binder.
func functionArguments(values url.Values) url.Values {
	out := url.Values{}
	for key, vals := range values {
		if strings.HasPrefix(key, "$") {
			continue
		}
		switch strings.ToLower(key) {
		case "version", "scenario", "metadata", "enableautofilters", "permanent", "multistep":
			continue
		}
		out[key] = vals
	}
	return out
}

// entityFields builds the wire shape of one content item, honoring the
// metadata format and the $select projection.
func (m *ODataMiddleware) entityFields(c *content.Content, req *ODataRequest) map[string]interface{} {
	fields := c.FieldValues()
	fields["Id"] = c.ID()
	fields["Name"] = c.Name()
	fields["Path"] = c.Path()
	fields["Type"] = c.TypeName()
	if aspects := c.AspectNames(); len(aspects) > 0 {
		fields["Aspects"] = aspects
	}
	if req != nil && req.MetadataFormat != "no" {
		fields["__metadata"] = map[string]interface{}{
			"uri":  ServicePrefix + odataPath(c),
			"type": c.TypeName(),
		}
	}
	if req != nil {
		fields = req.Options.Project(fields)
	}
	return fields
}

// odataPath renders the parenthesized entity address of a content item.
func odataPath(c *content.Content) string {
	parent := strings.TrimSuffix(c.ParentPath(), "/")
	return fmt.Sprintf("%s('%s')", parent, c.Name())
}
