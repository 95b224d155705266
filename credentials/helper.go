package credentials

import (
	"fmt"
	"os/exec"
	"runtime"

	helperclient "github.com/docker/docker-credential-helpers/client"
	helpercreds "github.com/docker/docker-credential-helpers/credentials"

	"github.com/caravel-build/caravel/registry"
)

// tokenUsername is the username credential helpers return when the secret
// is an identity (refresh) token rather than a password.
const tokenUsername = "<token>"

// Helper invokes a docker-credential-<suffix> executable following the
// credential helper subprocess protocol: the registry host on stdin, a
// JSON {Username, Secret} document on stdout.
type Helper struct {
	// Suffix names the helper, e.g. "gcloud" for
	// docker-credential-gcloud.
	Suffix string

	// program overrides the executable name in tests.
	program string
}

func (h Helper) executable() string {
	if h.program != "" {
		return h.program
	}
	return "docker-credential-" + h.Suffix
}

func (h Helper) Name() string { return h.executable() }

func (h Helper) Retrieve(registryHost string) (registry.Credential, bool, error) {
	creds, err := helperclient.Get(helperclient.NewShellProgramFunc(h.executable()), registryHost)
	if err != nil {
		// "credentials not found" and "no credentials server URL" mean
		// the helper ran fine and has nothing for us.
		if helpercreds.IsErrCredentialsNotFound(err) || helpercreds.IsCredentialsMissingServerURL(err) {
			return registry.Credential{}, false, nil
		}
		return registry.Credential{}, false, fmt.Errorf("credential helper %s: %w", h.executable(), err)
	}

	if creds.Username == tokenUsername {
		return registry.Credential{RefreshToken: creds.Secret}, true, nil
	}
	return registry.Credential{Username: creds.Username, Secret: creds.Secret}, true, nil
}

// platformKeychain returns the retriever for the operating system's
// well-known keychain helper, when that helper is installed.
func platformKeychain() (Retriever, bool) {
	var suffix string
	switch runtime.GOOS {
	case "darwin":
		suffix = "osxkeychain"
	case "windows":
		suffix = "wincred"
	default:
		suffix = "secretservice"
	}

	helper := Helper{Suffix: suffix}
	if _, err := exec.LookPath(helper.executable()); err != nil {
		return nil, false
	}
	return helper, true
}
