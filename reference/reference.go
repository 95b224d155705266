// Package reference parses image references of the form
//
//	[domain/]repository[:tag][@digest]
//
// applying the Docker Hub conventions for references that omit parts:
// the domain defaults to docker.io, single-component Hub repositories get
// the library/ prefix, and the tag defaults to latest when no digest is
// present.
package reference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	defaultDomain       = "docker.io"
	legacyDefaultDomain = "index.docker.io"
	officialRepoPrefix  = "library/"

	// DefaultTag is applied to references that carry neither a tag nor a
	// digest.
	DefaultTag = "latest"

	// DefaultRegistryHost is the host actually dialed for Docker Hub
	// references. The docker.io domain is an alias that does not serve the
	// registry API itself.
	DefaultRegistryHost = "registry-1.docker.io"
)

// ErrInvalidFormat is the base error for strings that do not parse as a
// reference. Errors returned by Parse wrap it together with the offending
// position.
var ErrInvalidFormat = errors.New("invalid reference format")

// A ParseError describes where in the input a reference failed to parse.
type ParseError struct {
	Input string
	Pos   int
	Part  string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("invalid reference format: %q: bad %s at offset %d", e.Input, e.Part, e.Pos)
}

func (e ParseError) Unwrap() error { return ErrInvalidFormat }

// Reference is a fully qualified image reference. Exactly one of Tag and
// Digest identifies the image; Tag is empty when Digest is set unless the
// input carried both (tag@digest), in which case the digest wins for pulls
// and the tag is retained for pushes.
type Reference struct {
	// Domain is the registry domain, possibly with a port. Never empty
	// after Parse.
	Domain string

	// Repository is the path within the registry, e.g. "library/alpine".
	Repository string

	Tag    string
	Digest digest.Digest
}

// Parse parses s into a normalized Reference.
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, ParseError{Input: s, Pos: 0, Part: "reference"}
	}

	var ref Reference

	remainder := s
	if i := strings.IndexByte(remainder, '@'); i >= 0 {
		dgst, err := digest.Parse(remainder[i+1:])
		if err != nil {
			return Reference{}, ParseError{Input: s, Pos: i + 1, Part: "digest"}
		}
		ref.Digest = dgst
		remainder = remainder[:i]
	}

	domain, path := splitDomain(remainder)
	pathStart := 0
	if domain != "" {
		pathStart = len(domain) + 1
	}
	if i := strings.IndexByte(path, ':'); i >= 0 {
		ref.Tag = path[i+1:]
		path = path[:i]
		if !anchoredTag.MatchString(ref.Tag) {
			return Reference{}, ParseError{Input: s, Pos: pathStart + i + 1, Part: "tag"}
		}
	}

	if domain != "" && !anchoredDomain.MatchString(domain) {
		return Reference{}, ParseError{Input: s, Pos: 0, Part: "domain"}
	}
	if !anchoredRepository.MatchString(path) {
		return Reference{}, ParseError{Input: s, Pos: pathStart, Part: "repository"}
	}

	if domain == "" || domain == legacyDefaultDomain {
		domain = defaultDomain
	}
	if domain == defaultDomain && !strings.Contains(path, "/") {
		path = officialRepoPrefix + path
	}

	ref.Domain = domain
	ref.Repository = path
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = DefaultTag
	}
	return ref, nil
}

// splitDomain splits a raw reference into domain and remainder using the
// Docker heuristic: the first component is a domain only if it contains a
// dot or a colon, or is exactly "localhost".
func splitDomain(s string) (domain, remainder string) {
	i := strings.IndexByte(s, '/')
	if i == -1 {
		return "", s
	}
	first := s[:i]
	if !strings.ContainsAny(first, ".:") && first != "localhost" && strings.ToLower(first) == first {
		return "", s
	}
	return first, s[i+1:]
}

// RegistryHost returns the host to dial for this reference, translating
// the Docker Hub aliases to the real registry endpoint.
func (r Reference) RegistryHost() string {
	if r.Domain == defaultDomain || r.Domain == legacyDefaultDomain {
		return DefaultRegistryHost
	}
	return r.Domain
}

// Identifier returns the tag or digest used to address the image, with the
// digest taking precedence.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// ValidTag reports whether tag is a well-formed tag name.
func ValidTag(tag string) bool {
	return anchoredTag.MatchString(tag)
}

// WithTag returns a copy of r addressed by the given tag only.
func (r Reference) WithTag(tag string) (Reference, error) {
	if !anchoredTag.MatchString(tag) {
		return Reference{}, ParseError{Input: tag, Pos: 0, Part: "tag"}
	}
	r.Tag = tag
	r.Digest = ""
	return r, nil
}

// WithDigest returns a copy of r addressed by the given digest only.
func (r Reference) WithDigest(dgst digest.Digest) Reference {
	r.Tag = ""
	r.Digest = dgst
	return r
}

// IsScratch reports whether the reference names the reserved empty base
// image.
func (r Reference) IsScratch() bool {
	return r.Domain == defaultDomain && r.Repository == officialRepoPrefix+"scratch"
}

// SameRegistry reports whether two references resolve to the same registry
// host, meaning blobs may be cross-repository mounted between them.
func (r Reference) SameRegistry(other Reference) bool {
	return r.RegistryHost() == other.RegistryHost()
}

// String renders the reference in its fully qualified form.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Domain)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest.String())
	}
	return b.String()
}
