package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/query"
)

// ServicePrefix is the URL root of the OData surface.
const ServicePrefix = "/OData.svc"

// ODataRequest is one parsed request: the addressed repository path plus the
// booleans the verb dispatcher branches on.
type ODataRequest struct {
	RepositoryPath string

	IsServiceDocument   bool
	IsMetadata          bool
	IsCollection        bool
	IsEntity            bool
	IsMemberRequest     bool
	IsControllerRequest bool

	ControllerName string
	MemberName     string

	Version            string
	Scenario           string
	MetadataFormat     string
	AutoFiltersEnabled bool
	Permanent          bool
	Multistep          bool

	Options *query.Options
}

// ParseRequest derives the ODataRequest from the URL. The path grammar is
// segments of either a bare name or name('key'); a key segment addresses a
// single entity, trailing bare segments after it address a member or a
// controller member.
func ParseRequest(r *http.Request) (*ODataRequest, error) {
	raw := strings.TrimPrefix(r.URL.Path, ServicePrefix)
	raw = strings.Trim(raw, "/")

	req := &ODataRequest{MetadataFormat: "minimal"}

	values := r.URL.Query()
	opts, err := query.ParseOptions(values)
	if err != nil {
		return nil, NewRequestError("invalid query options", err)
	}
	req.Options = opts
	req.Version = values.Get("version")
	req.Scenario = values.Get("scenario")
	if m := values.Get("metadata"); m != "" {
		switch m {
		case "no", "minimal", "full":
			req.MetadataFormat = m
		default:
			return nil, NewRequestError(fmt.Sprintf("invalid metadata format %q", m), nil)
		}
	}
	req.AutoFiltersEnabled = values.Get("enableautofilters") == "true"
	req.Permanent = values.Get("permanent") == "true"
	req.Multistep = values.Get("multistep") == "true"

	if raw == "" {
		req.IsServiceDocument = true
		return req, nil
	}
	if raw == "$metadata" {
		req.IsMetadata = true
		return req, nil
	}

	var pathParts []string
	var trailing []string
	sawKey := false
	for _, segment := range strings.Split(raw, "/") {
		if segment == "" {
			return nil, NewRequestError("empty path segment", nil)
		}
		name, key, keyed, err := splitSegment(segment)
		if err != nil {
			return nil, err
		}
		if sawKey && (keyed || len(trailing) >= 2) {
			return nil, NewRequestError("unexpected path segment after entity member", nil)
		}
		if sawKey {
			trailing = append(trailing, name)
			continue
		}
		if name != "" {
			pathParts = append(pathParts, name)
		}
		if keyed {
			pathParts = append(pathParts, key)
			sawKey = true
		}
	}
	req.RepositoryPath = "/" + strings.Join(pathParts, "/")

	switch {
	case !sawKey:
		req.IsCollection = true
	case len(trailing) == 0:
		req.IsEntity = true
	case len(trailing) == 1:
		req.IsMemberRequest = true
		req.MemberName = trailing[0]
	default:
		req.IsControllerRequest = true
		req.ControllerName = trailing[0]
		req.MemberName = trailing[1]
	}
	return req, nil
}

// splitSegment separates "name('key')" into its parts. A bare segment
// returns keyed=false; a segment of just "('key')" has an empty name.
func splitSegment(segment string) (name, key string, keyed bool, err error) {
	open := strings.Index(segment, "('")
	if open < 0 {
		if strings.ContainsAny(segment, "()'") {
			return "", "", false, NewRequestError(fmt.Sprintf("malformed path segment %q", segment), nil)
		}
		return segment, "", false, nil
	}
	if !strings.HasSuffix(segment, "')") {
		return "", "", false, NewRequestError(fmt.Sprintf("malformed path segment %q", segment), nil)
	}
	key = segment[open+2 : len(segment)-2]
	if key == "" {
		return "", "", false, NewRequestError(fmt.Sprintf("empty entity key in %q", segment), nil)
	}
	return segment[:open], key, true, nil
}
