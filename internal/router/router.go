// Package router compiles route path patterns and matches incoming
// (path, method) pairs against them. Patterns are segment lists; a segment
// is either a byte-exact literal or a {name} parameter capturing one
// segment. Matching scans routes in priority order and returns the first
// hit, so literal routes beat parameterized ones.
package router

import (
	"fmt"
	"sort"
	"strings"

	gateway "github.com/wardengate/warden/internal"
)

type segment struct {
	literal string
	param   string // non-empty for parameter segments
}

type compiledRoute struct {
	route    *gateway.Route
	segments []segment
	literals int
}

// Match is a successful route resolution: the route plus captured path
// parameters.
type Match struct {
	Route  *gateway.Route
	Params map[string]string
}

// Router holds the compiled, priority-sorted route table. It is immutable
// after construction and safe for unsynchronized concurrent reads.
type Router struct {
	routes []compiledRoute
}

// New compiles the routes and sorts them by (-literal segments, -pattern
// length) so more specific patterns win. Compilation fails on duplicate
// parameter names within one pattern.
func New(routes []gateway.Route) (*Router, error) {
	compiled := make([]compiledRoute, 0, len(routes))
	for i := range routes {
		route := &routes[i]
		segments, err := compilePattern(route.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.ID, err)
		}
		literals := 0
		for _, seg := range segments {
			if seg.param == "" {
				literals++
			}
		}
		compiled = append(compiled, compiledRoute{route: route, segments: segments, literals: literals})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].literals != compiled[j].literals {
			return compiled[i].literals > compiled[j].literals
		}
		return len(compiled[i].route.PathPattern) > len(compiled[j].route.PathPattern)
	})

	return &Router{routes: compiled}, nil
}

// compilePattern splits a pattern on "/" into tagged segments. A segment of
// the form {name} (word characters only) binds a parameter; anything else
// is a literal compared byte-exactly.
func compilePattern(pattern string) ([]segment, error) {
	parts := splitPath(pattern)
	segments := make([]segment, 0, len(parts))
	seen := make(map[string]bool)

	for _, part := range parts {
		if name, ok := paramName(part); ok {
			if seen[name] {
				return nil, fmt.Errorf("duplicate path parameter %q in pattern %q", name, pattern)
			}
			seen[name] = true
			segments = append(segments, segment{param: name})
			continue
		}
		segments = append(segments, segment{literal: part})
	}
	return segments, nil
}

// paramName reports whether part has the exact form {name} with a
// word-character name.
func paramName(part string) (string, bool) {
	if len(part) < 3 || part[0] != '{' || part[len(part)-1] != '}' {
		return "", false
	}
	name := part[1 : len(part)-1]
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return "", false
		}
	}
	return name, true
}

// Match resolves (path, method) to a route. The method check is a final
// filter: a path-only match with the wrong method does not match here but
// does contribute to AllowedMethods.
func (r *Router) Match(path, method string) *Match {
	parts := splitPath(normalize(path))
	method = strings.ToUpper(method)

	for _, cr := range r.routes {
		params, ok := matchSegments(cr.segments, parts)
		if !ok {
			continue
		}
		if !cr.route.AllowsMethod(method) {
			continue
		}
		return &Match{Route: cr.route, Params: params}
	}
	return nil
}

// AllowedMethods returns the sorted union of methods permitted on routes
// whose pattern matches the path, for the 405 Allow header.
func (r *Router) AllowedMethods(path string) []string {
	parts := splitPath(normalize(path))

	set := make(map[string]struct{})
	for _, cr := range r.routes {
		if _, ok := matchSegments(cr.segments, parts); ok {
			for _, m := range cr.route.Methods {
				set[strings.ToUpper(m)] = struct{}{}
			}
		}
	}

	methods := make([]string, 0, len(set))
	for m := range set {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	if len(segments) != len(parts) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range segments {
		if seg.param != "" {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

// normalize prepends a leading slash if absent and strips one trailing
// slash unless the path is exactly "/".
func normalize(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// splitPath splits on "/" dropping empty leading/trailing segments.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
