package refparser

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const oobiSegment = "oobi"

// CredentialLink represents a parsed credential reference URL.
//
// Canonical semantics:
//
//	http(s)://<host>[:port]/oobi/<said>[/...][?query]
//	http(s)://<host>[:port]/<path>/<said>[?query]
//
// The credential SAID is the segment following "oobi", or the last
// non-empty path segment when the link carries no oobi prefix.
type CredentialLink struct {
	Scheme string
	Host   string
	Port   string
	Path   string
	Query  url.Values
	SAID   string
	Raw    string
}

// IsLink returns true if value looks like an absolute http(s) URL.
func IsLink(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

// Parse parses an absolute credential link and recovers its SAID.
func Parse(link string) (CredentialLink, error) {
	if !IsLink(link) {
		return CredentialLink{}, fmt.Errorf("not an http(s) credential link: %q", link)
	}
	u, err := url.Parse(link)
	if err != nil {
		return CredentialLink{}, fmt.Errorf("invalid credential link %q: %w", link, err)
	}
	if u.Hostname() == "" {
		return CredentialLink{}, fmt.Errorf("invalid credential link %q: missing host", link)
	}

	said := saidFromPath(u.Path)
	if said == "" {
		return CredentialLink{}, fmt.Errorf("invalid credential link %q: expected /oobi/<said> or a non-empty path", link)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}

	return CredentialLink{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Path:   u.Path,
		Query:  u.Query(),
		SAID:   said,
		Raw:    link,
	}, nil
}

// URL rebuilds the request URL from the resolved parts. The port is
// omitted when it is the scheme default; query parameters are re-encoded.
func (l CredentialLink) URL() string {
	host := l.Host
	if l.Port != defaultPort(l.Scheme) || strings.Contains(host, ":") {
		host = net.JoinHostPort(l.Host, l.Port)
	}
	u := url.URL{Scheme: l.Scheme, Host: host, Path: l.Path, RawQuery: l.Query.Encode()}
	return u.String()
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func saidFromPath(p string) string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	for i, s := range segs {
		if s == oobiSegment && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	if len(segs) == 0 || segs[len(segs)-1] == oobiSegment {
		return ""
	}
	return segs[len(segs)-1]
}
