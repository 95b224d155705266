// Package credentials resolves registry credentials through an ordered
// chain of retrievers: an inline credential, a named credential helper,
// the helpers and auths recorded in the Docker config file, and the
// platform keychain helper.
package credentials

import (
	"github.com/sirupsen/logrus"

	"github.com/caravel-build/caravel/registry"
)

// Retriever produces a credential for a registry host. The second return
// is false when the retriever has nothing for the host, which is not an
// error.
type Retriever interface {
	Retrieve(registryHost string) (registry.Credential, bool, error)

	// Name identifies the retriever in logs.
	Name() string
}

// Static returns a fixed credential for every host. Used for credentials
// supplied inline in the build plan.
type Static struct {
	Credential registry.Credential
}

func (s Static) Retrieve(string) (registry.Credential, bool, error) {
	if s.Credential.IsZero() {
		return registry.Credential{}, false, nil
	}
	return s.Credential, true, nil
}

func (s Static) Name() string { return "inline" }

// Resolver runs retrievers in order and returns the first hit. A
// retriever that errors is logged and skipped; its error surfaces only if
// every retriever comes up empty.
type Resolver struct {
	Retrievers []Retriever
	Logger     *logrus.Entry
}

// Resolve returns the first credential offered for the host, or found ==
// false when the whole chain is exhausted.
func (r Resolver) Resolve(registryHost string) (cred registry.Credential, found bool, err error) {
	logger := r.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	var firstErr error
	for _, retriever := range r.Retrievers {
		cred, ok, rerr := retriever.Retrieve(registryHost)
		if rerr != nil {
			logger.WithError(rerr).Warnf("credential retriever %s failed, skipping", retriever.Name())
			if firstErr == nil {
				firstErr = rerr
			}
			continue
		}
		if ok {
			logger.Debugf("using credentials from %s for %s", retriever.Name(), registryHost)
			return cred, true, nil
		}
	}
	return registry.Credential{}, false, firstErr
}

// DefaultChain assembles the standard retriever order for a host:
//
//  1. the inline credential, when present
//  2. the helper named in the build plan, when present
//  3. credHelpers / credsStore entries from the Docker config file
//  4. inline auths entries from the same file
//  5. the platform keychain helper
func DefaultChain(inline registry.Credential, helperSuffix string, configDir string) []Retriever {
	chain := []Retriever{Static{Credential: inline}}
	if helperSuffix != "" {
		chain = append(chain, Helper{Suffix: helperSuffix})
	}
	chain = append(chain,
		DockerConfig{Dir: configDir, Source: ConfigHelpers},
		DockerConfig{Dir: configDir, Source: ConfigAuths},
	)
	if keychain, ok := platformKeychain(); ok {
		chain = append(chain, keychain)
	}
	return chain
}
