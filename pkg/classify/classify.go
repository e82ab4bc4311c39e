// Package classify decides how an intercepted request is handled.
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the handling class assigned to a request.
type Class int

const (
	// Excluded requests pass through untouched.
	Excluded Class = iota
	// Navigation is a top-level page load.
	Navigation
	// StaticAsset is a script, style, font or image.
	StaticAsset
	// Generic is every other intercepted request.
	Generic
)

// String returns the lower-case class name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case Excluded:
		return "excluded"
	case Navigation:
		return "navigation"
	case StaticAsset:
		return "static"
	case Generic:
		return "generic"
	default:
		return "unknown"
	}
}

// Request modes and destinations, as carried by Sec-Fetch-Mode and
// Sec-Fetch-Dest.
const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"
	ModeNoCORS   = "no-cors"

	DestDocument = "document"
	DestScript   = "script"
	DestStyle    = "style"
	DestFont     = "font"
	DestImage    = "image"
	DestEmpty    = "empty"
)

// DefaultExcludedHosts are the identity and sync backends whose traffic is
// never intercepted.
var DefaultExcludedHosts = []string{
	"firestore.googleapis.com",
	"identitytoolkit.googleapis.com",
	"securetoken.googleapis.com",
	"www.googleapis.com",
}

// Request describes an intercepted request.
type Request struct {
	Method      string
	URL         *url.URL
	Mode        string
	Destination string
	Header      http.Header
}

// AcceptsHTML reports whether the client listed text/html in Accept.
func (r Request) AcceptsHTML() bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// FromHTTP builds a request descriptor from an incoming HTTP request whose
// URL is already absolute. Fetch metadata headers are used when present;
// otherwise mode and destination are inferred from Accept and the path
// extension.
func FromHTTP(r *http.Request) Request {
	req := Request{
		Method:      r.Method,
		URL:         r.URL,
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Header:      r.Header,
	}
	if req.Mode == "" {
		req.Mode = inferMode(r)
	}
	if req.Destination == "" {
		req.Destination = inferDestination(r, req.Mode)
	}
	return req
}

func inferMode(r *http.Request) string {
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	if r.Header.Get("Origin") != "" {
		return ModeCORS
	}
	return ModeNoCORS
}

var extDestinations = map[string]string{
	".js":    DestScript,
	".mjs":   DestScript,
	".css":   DestStyle,
	".woff":  DestFont,
	".woff2": DestFont,
	".ttf":   DestFont,
	".otf":   DestFont,
	".png":   DestImage,
	".jpg":   DestImage,
	".jpeg":  DestImage,
	".gif":   DestImage,
	".webp":  DestImage,
	".svg":   DestImage,
	".ico":   DestImage,
}

func inferDestination(r *http.Request, mode string) string {
	if mode == ModeNavigate {
		return DestDocument
	}
	if d, ok := extDestinations[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		return d
	}
	accept := r.Header.Get("Accept")
	switch {
	case strings.HasPrefix(accept, "image/"):
		return DestImage
	case strings.HasPrefix(accept, "text/css"):
		return DestStyle
	}
	return DestEmpty
}

// Config configures a Classifier.
type Config struct {
	// Scope is the application origin; requests to it are always eligible
	Scope *url.URL

	// ExcludedHosts are never intercepted; subdomains match too
	ExcludedHosts []string

	// CrossOriginAllow restricts interception of other origins to these
	// hosts. Empty means every cross-origin host is eligible.
	CrossOriginAllow []string
}

// Classifier assigns a Class to intercepted requests. It is stateless and
// safe for concurrent use.
type Classifier struct {
	scope    *url.URL
	excluded []string
	allow    []string
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	return &Classifier{
		scope:    cfg.Scope,
		excluded: normalizeHosts(cfg.ExcludedHosts),
		allow:    normalizeHosts(cfg.CrossOriginAllow),
	}
}

// Classify returns the handling class of req.
func (c *Classifier) Classify(req Request) Class {
	if req.Method != http.MethodGet || req.URL == nil {
		return Excluded
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return Excluded
	}
	host := strings.ToLower(req.URL.Hostname())
	if matchHost(c.excluded, host) {
		return Excluded
	}
	if !c.sameOrigin(req.URL) && len(c.allow) > 0 && !matchHost(c.allow, host) {
		return Excluded
	}

	if req.Mode == ModeNavigate {
		return Navigation
	}
	switch req.Destination {
	case DestScript, DestStyle, DestFont, DestImage:
		return StaticAsset
	}
	return Generic
}

func (c *Classifier) sameOrigin(u *url.URL) bool {
	return c.scope != nil && strings.EqualFold(c.scope.Scheme, u.Scheme) && strings.EqualFold(c.scope.Host, u.Host)
}

func matchHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
