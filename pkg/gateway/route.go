package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kagehq/keys-sub000/pkg/ratelimit"
	"github.com/kagehq/keys-sub000/pkg/scope"
)

// PathPlaceholder in a route target is replaced by the inbound path, or by
// the part matched by a trailing "/*" in the route path.
const PathPlaceholder = "{path}"

var ErrInvalidRoute = errors.New("invalid route")

// Route maps a scope pattern and method (and optionally an inbound path) to
// an upstream target.
type Route struct {
	Name      string            `yaml:"name" json:"name"`
	Scope     string            `yaml:"scope" json:"scope"`
	Method    string            `yaml:"method" json:"method"`
	Path      string            `yaml:"path,omitempty" json:"path,omitempty"`
	Target    string            `yaml:"target" json:"target"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"-"`
	RateLimit *ratelimit.Budget `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

func (rt Route) validate() error {
	if strings.TrimSpace(rt.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRoute)
	}
	if _, err := scope.Parse(rt.Scope); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRoute, rt.Name, err)
	}
	if rt.Method == "" {
		return fmt.Errorf("%w %q: method required", ErrInvalidRoute, rt.Name)
	}
	if rt.Path != "" && !strings.HasPrefix(rt.Path, "/") {
		return fmt.Errorf("%w %q: path must start with /", ErrInvalidRoute, rt.Name)
	}
	u, err := url.Parse(strings.ReplaceAll(rt.Target, PathPlaceholder, ""))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w %q: target must be an absolute URL", ErrInvalidRoute, rt.Name)
	}
	if rt.RateLimit != nil && !rt.RateLimit.Metered() {
		return fmt.Errorf("%w %q: rate_limit needs positive requests and window", ErrInvalidRoute, rt.Name)
	}
	return nil
}

// matchPath reports whether inbound is served by the route and returns the
// remainder substituted for {path}.
func (rt Route) matchPath(inbound string) (string, bool) {
	switch {
	case rt.Path == "":
		return inbound, true
	case strings.HasSuffix(rt.Path, "/*"):
		prefix := strings.TrimSuffix(rt.Path, "/*")
		if inbound == prefix {
			return "/", true
		}
		if strings.HasPrefix(inbound, prefix+"/") {
			return strings.TrimPrefix(inbound, prefix), true
		}
		return "", false
	default:
		return inbound, inbound == rt.Path
	}
}

// targetURL builds the upstream URL for r.
func (rt Route) targetURL(r *http.Request) string {
	rest, _ := rt.matchPath(r.URL.Path)
	target := strings.ReplaceAll(rt.Target, PathPlaceholder, rest)
	if r.URL.RawQuery == "" {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + r.URL.RawQuery
	}
	return target + "?" + r.URL.RawQuery
}

// RouteTable is immutable once built and safe for concurrent lookups.
type RouteTable struct {
	routes []Route
}

func NewRouteTable(routes []Route) (*RouteTable, error) {
	seen := map[string]struct{}{}
	out := make([]Route, 0, len(routes))
	for _, rt := range routes {
		rt.Method = strings.ToUpper(strings.TrimSpace(rt.Method))
		if err := rt.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[rt.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidRoute, rt.Name)
		}
		seen[rt.Name] = struct{}{}
		headers := make(map[string]string, len(rt.Headers))
		for k, v := range rt.Headers {
			headers[http.CanonicalHeaderKey(k)] = v
		}
		rt.Headers = headers
		out = append(out, rt)
	}
	return &RouteTable{routes: out}, nil
}

// Match returns the first route whose method and path fit the request and
// whose scope pattern is satisfied by held.
func (t *RouteTable) Match(held, method, path string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	for _, rt := range t.routes {
		if rt.Method != strings.ToUpper(method) {
			continue
		}
		if _, ok := rt.matchPath(path); !ok {
			continue
		}
		if scope.Matches(held, rt.Scope) {
			return rt, true
		}
	}
	return Route{}, false
}

// Routes returns a copy of the table in evaluation order.
func (t *RouteTable) Routes() []Route {
	if t == nil {
		return nil
	}
	return append([]Route(nil), t.routes...)
}

type routeFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutes reads a YAML route table. ${VAR} references in targets and
// header values are expanded from the environment so provider secrets stay
// out of the file.
func LoadRoutes(path string) (*RouteTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc routeFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range doc.Routes {
		doc.Routes[i].Target = os.ExpandEnv(doc.Routes[i].Target)
		for k, v := range doc.Routes[i].Headers {
			doc.Routes[i].Headers[k] = os.ExpandEnv(v)
		}
	}
	return NewRouteTable(doc.Routes)
}
