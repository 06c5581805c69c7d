// internal/discovery/scope.go
package discovery

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SiteScope bounds a crawl to the root URL's host and, optionally, every other
// host under the same registrable domain.
type SiteScope struct {
	rootHost          string
	rootDomain        string
	includeSubdomains bool
}

// NewSiteScope initializes a scope based on the root URL of a run.
func NewSiteScope(rootURL string, includeSubdomains bool) (*SiteScope, error) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return nil, err
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return nil, fmt.Errorf("root URL must have a hostname: %s", rootURL)
	}

	// eTLD+1 handles domains like 'example.co.uk'. IPs and single label hosts
	// such as localhost have none and scope to themselves.
	domain := hostname
	if net.ParseIP(hostname) == nil {
		if d, err := publicsuffix.EffectiveTLDPlusOne(hostname); err == nil {
			domain = d
		}
	}

	return &SiteScope{
		rootHost:          hostname,
		rootDomain:        domain,
		includeSubdomains: includeSubdomains,
	}, nil
}

// IsInScope checks if the URL belongs to the root host or, when configured, to a
// sibling host of the registrable domain.
func (s *SiteScope) IsInScope(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == s.rootHost {
		return true
	}
	if !s.includeSubdomains {
		return false
	}
	// the dot prevents matching domains like "notexample.com"
	return host == s.rootDomain || strings.HasSuffix(host, "."+s.rootDomain)
}

// RootDomain returns the registrable domain defining the scope.
func (s *SiteScope) RootDomain() string {
	return s.rootDomain
}
