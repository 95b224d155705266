package reference

import "regexp"

const (
	// alphanumeric defines the alphanumeric atom, typically a component of
	// repository path names.
	alphanumeric = `[a-z0-9]+`

	// separator defines the separators allowed to be embedded in path
	// components. Repeated dashes are valid to stay byte-compatible with
	// references accepted by registries in the wild.
	separator = `(?:[._]|__|[-]+)`

	// domainName defines a host name: dot-separated components, each
	// beginning and ending with an alphanumeric.
	domainName = `(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])(?:\.(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]))*`

	// ipv6address matches a bracketed IPv6 address.
	ipv6address = `\[(?:[a-fA-F0-9:]+)\]`

	// port matches a port suffix on the domain.
	port = `:[0-9]+`
)

var (
	pathComponent = alphanumeric + `(?:` + separator + alphanumeric + `)*`

	// anchoredDomain matches a registry host, optionally with a port.
	anchoredDomain = regexp.MustCompile(`^(?:` + domainName + `|` + ipv6address + `)(?:` + port + `)?$`)

	// anchoredRepository matches a repository path: slash-separated
	// lowercase path components.
	anchoredRepository = regexp.MustCompile(`^` + pathComponent + `(?:/` + pathComponent + `)*$`)

	// anchoredTag matches valid tag names.
	anchoredTag = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
)
