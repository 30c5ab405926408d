// Package uri implements the immutable, comparable URI model used to
// address every resource the backends expose.
//
// Grammar: scheme "://" [ user [ ":" password ] "@" ] [ host [ ":" port ] ] path
// Path is stored percent-encoded; it is only decoded when a backend needs a
// literal local filesystem path. A URI may carry a parent, used to express
// layered schemes such as an archive member addressed as
// "archive:///a.zip#inner/path".
package uri

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidURI is returned for any syntactic parse failure. Callers should
// treat it as corevfs.KindInvalidURI; this package does not depend on the error
// taxonomy so it can be imported by anything without a cycle.
var ErrInvalidURI = errors.New("uri: invalid uri")

// URI is an immutable, reference-shareable address. Zero value is not valid;
// construct with Parse or Child.
type URI struct {
	scheme   string
	user     string
	password string
	host     string
	port     int // 0 means unset
	path     string
	parent   *URI
}

// Parse parses text into a URI. It never guesses or normalises the scheme.
func Parse(text string) (*URI, error) {
	idx := strings.Index(text, "://")
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q: missing scheme separator", ErrInvalidURI, text)
	}
	scheme := text[:idx]
	if scheme == "" {
		return nil, fmt.Errorf("%w: %q: empty scheme", ErrInvalidURI, text)
	}
	rest := text[idx+3:]

	var fragment string
	if h := strings.IndexByte(rest, '#'); h >= 0 {
		fragment = rest[h+1:]
		rest = rest[:h]
	}

	u := &URI{scheme: scheme}

	// authority ends at the first '/' (path start) or end of string
	authority := rest
	path := ""
	if sl := strings.IndexByte(rest, '/'); sl >= 0 {
		authority = rest[:sl]
		path = rest[sl:]
	}

	if authority != "" {
		if at := strings.LastIndexByte(authority, '@'); at >= 0 {
			userinfo := authority[:at]
			authority = authority[at+1:]
			if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
				u.user = userinfo[:colon]
				u.password = userinfo[colon+1:]
			} else {
				u.user = userinfo
			}
		}
		if authority != "" {
			host := authority
			if colon := strings.LastIndexByte(authority, ':'); colon >= 0 {
				host = authority[:colon]
				portStr := authority[colon+1:]
				port, err := strconv.Atoi(portStr)
				if err != nil || port <= 0 {
					return nil, fmt.Errorf("%w: %q: invalid port %q", ErrInvalidURI, text, portStr)
				}
				u.port = port
			}
			u.host = host
		}
	}

	if _, err := url.PathUnescape(path); err != nil {
		return nil, fmt.Errorf("%w: %q: bad percent-encoding: %v", ErrInvalidURI, text, err)
	}
	u.path = path

	if fragment != "" {
		if _, err := url.PathUnescape(fragment); err != nil {
			return nil, fmt.Errorf("%w: %q: bad fragment encoding: %v", ErrInvalidURI, text, err)
		}
		outer := *u
		child := &URI{scheme: u.scheme, path: fragment, parent: &outer}
		return child, nil
	}

	return u, nil
}

// MustParse is Parse or panic, for tests and constant-ish URIs.
func MustParse(text string) *URI {
	u, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return u
}

// Scheme returns the leading scheme component.
func (u *URI) Scheme() string { return u.scheme }

// Host returns the authority host, or "" if unset.
func (u *URI) Host() string { return u.host }

// Port returns the authority port, or 0 if unset.
func (u *URI) Port() int { return u.port }

// User returns the authority user, or "" if unset.
func (u *URI) User() string { return u.user }

// Password returns the authority password, or "" if unset.
func (u *URI) Password() string { return u.password }

// Parent returns the layering parent URI, or nil if this URI is not layered.
func (u *URI) Parent() *URI { return u.parent }

// EncodedPath returns the stored, still percent-encoded path.
func (u *URI) EncodedPath() string { return u.path }

// Path returns the path decoded for use as a local filesystem path. Backends
// that address a real filesystem call this; backends that treat the path as
// an opaque remote name should use EncodedPath.
func (u *URI) Path() (string, error) {
	return url.PathUnescape(u.path)
}

// Child returns a new URI with segment appended to the path. segment is
// percent-encoded by this call; it must not itself contain "://".
func (u *URI) Child(segment string) *URI {
	c := *u
	base := strings.TrimSuffix(u.path, "/")
	encSeg := (&url.URL{Path: segment}).EscapedPath()
	c.path = base + "/" + strings.TrimPrefix(encSeg, "/")
	return &c
}

// Dirname returns the URI for the parent directory of this URI's path.
func (u *URI) Dirname() *URI {
	c := *u
	p := strings.TrimSuffix(u.path, "/")
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		c.path = p[:idx]
		if c.path == "" {
			c.path = "/"
		}
	} else {
		c.path = "/"
	}
	return &c
}

// Basename returns the short, decoded, final path segment.
func (u *URI) Basename() string {
	p := strings.TrimSuffix(u.path, "/")
	idx := strings.LastIndexByte(p, '/')
	seg := p
	if idx >= 0 {
		seg = p[idx+1:]
	}
	if decoded, err := url.PathUnescape(seg); err == nil {
		return decoded
	}
	return seg
}

// HideOptions controls which authority fields String omits from the
// formatted text, e.g. to avoid leaking a password into a log line.
type HideOptions struct {
	HideUser     bool
	HidePassword bool
	HideHost     bool
}

// String formats with no fields hidden.
func (u *URI) String() string {
	return u.Format(HideOptions{})
}

// Format renders the URI to text per opts, hiding authority fields flagged
// for hiding. Path is re-emitted exactly as stored (already encoded). A
// layered URI (Parent() != nil) renders as "<parent>#<fragment-path>": the
// fragment carries no scheme/authority of its own, it addresses a resource
// nested inside the parent.
func (u *URI) Format(opts HideOptions) string {
	if u.parent != nil {
		return u.parent.Format(opts) + "#" + u.path
	}
	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteString("://")
	if !opts.HideUser && u.user != "" {
		b.WriteString(u.user)
		if !opts.HidePassword && u.password != "" {
			b.WriteByte(':')
			b.WriteString(u.password)
		}
		b.WriteByte('@')
	}
	if !opts.HideHost && u.host != "" {
		b.WriteString(u.host)
		if u.port != 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(u.port))
		}
	}
	b.WriteString(u.path)
	return b.String()
}

// Equal reports whether two URIs address the same resource. Two nil
// pointers are equal; a nil and non-nil are not.
func (u *URI) Equal(other *URI) bool {
	if u == nil || other == nil {
		return u == other
	}
	if u.scheme != other.scheme || u.user != other.user || u.password != other.password ||
		u.host != other.host || u.port != other.port || u.path != other.path {
		return false
	}
	return u.parent.Equal(other.parent)
}

// Hash returns a stable hash of the URI for use as a map key surrogate.
func (u *URI) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(u.String()))
	return h.Sum64()
}
