package template

import (
	"strings"
	"sync"

	"github.com/vyrodovalexey/cacsi/internal/podinfo"
)

// DefaultClusterDomain is used when no cluster domain is configured.
const DefaultClusterDomain = "cluster.local"

// maxCachedTemplates bounds the parsed-template cache of a Resolver.
const maxCachedTemplates = 256

// DefaultTemplate returns the template used when a volume sets none.
func DefaultTemplate(clusterDomain string) string {
	return "{metadata.name}.{metadata.namespace}.svc." + normalizeDomain(clusterDomain)
}

// Resolver resolves templates, falling back to the default template for the
// configured cluster domain. Parsed templates are cached by source text.
type Resolver struct {
	clusterDomain string
	fallback      *Template

	mu    sync.RWMutex
	cache map[string]*Template
}

// NewResolver creates a resolver for clusterDomain.
func NewResolver(clusterDomain string) (*Resolver, error) {
	domain := normalizeDomain(clusterDomain)
	fallback, err := Parse(DefaultTemplate(domain))
	if err != nil {
		return nil, err
	}

	return &Resolver{
		clusterDomain: domain,
		fallback:      fallback,
		cache:         make(map[string]*Template),
	}, nil
}

// ClusterDomain returns the domain injected into the default template.
func (r *Resolver) ClusterDomain() string {
	return r.clusterDomain
}

// Resolve resolves src against pod, using the default template when src is
// empty or whitespace.
func (r *Resolver) Resolve(src string, pod *podinfo.Snapshot) (string, error) {
	t, err := r.template(src)
	if err != nil {
		return "", err
	}
	return t.Resolve(pod)
}

func (r *Resolver) template(src string) (*Template, error) {
	if strings.TrimSpace(src) == "" {
		return r.fallback, nil
	}

	r.mu.RLock()
	t, ok := r.cache[src]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := Parse(src)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.cache) >= maxCachedTemplates {
		r.cache = make(map[string]*Template)
	}
	r.cache[src] = t
	r.mu.Unlock()

	return t, nil
}

func normalizeDomain(domain string) string {
	domain = strings.Trim(strings.TrimSpace(domain), ".")
	if domain == "" {
		return DefaultClusterDomain
	}
	return domain
}
