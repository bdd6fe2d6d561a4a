package tenancy

import (
	"net"
	"net/http"
	"strings"
)

// ClaimSource extracts a tenant claim from an authenticated credential on
// the request, such as a session cookie or a bearer token.
type ClaimSource interface {
	TenantClaim(r *http.Request) (string, bool)
}

// ResolverConfig configures where tenant identity is looked up.
type ResolverConfig struct {
	// Header is the explicit tenant header, e.g. X-Tenant-ID.
	Header string
	// Bearer reads a tenant claim from a bearer token. Optional.
	Bearer ClaimSource
	// Session reads the tenant claim embedded in an authenticated session. Optional.
	Session ClaimSource
	// BaseDomain enables subdomain resolution: <tenant>.<BaseDomain>.
	BaseDomain string
	// PublicPaths may carry the tenant in the ?tenant= query parameter.
	PublicPaths []string
}

// Resolver maps a request to a tenant identifier.
type Resolver struct {
	cfg         ResolverConfig
	publicPaths map[string]struct{}
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Header == "" {
		cfg.Header = "X-Tenant-ID"
	}
	cfg.BaseDomain = strings.ToLower(strings.Trim(cfg.BaseDomain, "."))

	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = struct{}{}
	}
	return &Resolver{cfg: cfg, publicPaths: public}
}

// Resolve returns the request's tenant. Sources are tried in order: explicit
// header or bearer claim, session claim, subdomain, and the query parameter
// on public paths. The first source that yields a value decides; a malformed
// value is rejected rather than skipped.
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	for _, source := range []func(*http.Request) (string, bool){
		r.fromHeader,
		r.fromBearer,
		r.fromSession,
		r.fromSubdomain,
		r.fromQuery,
	} {
		if id, ok := source(req); ok {
			if !ValidTenantID(id) {
				return "", ErrTenantUnresolved
			}
			return id, nil
		}
	}
	return "", ErrTenantUnresolved
}

func (r *Resolver) fromHeader(req *http.Request) (string, bool) {
	id := strings.TrimSpace(req.Header.Get(r.cfg.Header))
	return id, id != ""
}

func (r *Resolver) fromBearer(req *http.Request) (string, bool) {
	if r.cfg.Bearer == nil {
		return "", false
	}
	return r.cfg.Bearer.TenantClaim(req)
}

func (r *Resolver) fromSession(req *http.Request) (string, bool) {
	if r.cfg.Session == nil {
		return "", false
	}
	return r.cfg.Session.TenantClaim(req)
}

func (r *Resolver) fromSubdomain(req *http.Request) (string, bool) {
	if r.cfg.BaseDomain == "" {
		return "", false
	}
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	label, ok := strings.CutSuffix(host, "."+r.cfg.BaseDomain)
	if !ok || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

func (r *Resolver) fromQuery(req *http.Request) (string, bool) {
	if _, ok := r.publicPaths[req.URL.Path]; !ok {
		return "", false
	}
	id := req.URL.Query().Get("tenant")
	return id, id != ""
}
