package build

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caravel-build/caravel/cache"
	"github.com/caravel-build/caravel/credentials"
	"github.com/caravel-build/caravel/image"
	"github.com/caravel-build/caravel/plan"
	"github.com/caravel-build/caravel/reference"
	"github.com/caravel-build/caravel/registry"
)

// Options wires an Engine.
type Options struct {
	Plan  *plan.Plan
	Cache *cache.Cache

	Logger      *logrus.Entry
	UserAgent   string
	HTTPTimeout time.Duration

	// ChunkSize switches layer uploads to the chunked protocol; zero
	// uploads monolithically.
	ChunkSize int64

	// DockerConfigDir overrides where the credential chain looks for the
	// Docker config file.
	DockerConfigDir string

	// RegistryHost overrides registry host resolution, letting tests
	// point well-known domains at a local fake.
	RegistryHost func(reference.Reference) string
}

// Engine coordinates one build described by a plan.
type Engine struct {
	plan    *plan.Plan
	cache   *cache.Cache
	logger  *logrus.Entry
	tracker *Tracker

	base   reference.Reference
	target reference.Reference

	format  image.Format
	created time.Time

	userAgent    string
	httpTimeout  time.Duration
	chunkSize    int64
	configDir    string
	registryHost func(reference.Reference) string
}

// New validates the plan and builds an engine around it.
func New(opts Options) (*Engine, error) {
	p := opts.Plan
	if err := p.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	target, err := reference.Parse(p.TargetImage)
	if err != nil {
		return nil, err
	}

	base := reference.Reference{}
	if p.BaseImage != "" && p.BaseImage != "scratch" {
		base, err = reference.Parse(p.BaseImage)
		if err != nil {
			return nil, err
		}
	}

	created, err := p.Created()
	if err != nil {
		return nil, err
	}

	format := image.FormatDocker
	if p.Format == "oci" {
		format = image.FormatOCI
	}

	registryHost := opts.RegistryHost
	if registryHost == nil {
		registryHost = reference.Reference.RegistryHost
	}

	return &Engine{
		plan:         p,
		cache:        opts.Cache,
		logger:       logger,
		tracker:      NewTracker(logger, 0),
		base:         base,
		target:       target,
		format:       format,
		created:      created,
		userAgent:    opts.UserAgent,
		httpTimeout:  opts.HTTPTimeout,
		chunkSize:    opts.ChunkSize,
		configDir:    opts.DockerConfigDir,
		registryHost: registryHost,
	}, nil
}

// hasBase reports whether the build has a real base image (not scratch).
func (e *Engine) hasBase() bool {
	return e.base.Repository != ""
}

// resolveCredential runs the credential chain for a reference.
func (e *Engine) resolveCredential(ref reference.Reference, spec plan.CredentialSpec) (registry.Credential, error) {
	inline := registry.Credential{Username: spec.Username, Secret: spec.Password}
	resolver := credentials.Resolver{
		Retrievers: credentials.DefaultChain(inline, spec.Helper, e.configDir),
		Logger:     e.logger,
	}

	cred, found, err := resolver.Resolve(e.registryHost(ref))
	if !found {
		// Anonymous access; the registry decides whether that flies.
		// A retriever failure only matters if nothing else hit.
		if err != nil {
			e.logger.WithError(err).Debug("credential chain errored, continuing unauthenticated")
		}
		return registry.Credential{}, nil
	}
	return cred, nil
}

// newClient builds a registry client for a repository.
func (e *Engine) newClient(ref reference.Reference, cred registry.Credential) *registry.Client {
	return registry.NewClient(registry.Options{
		Host:          e.registryHost(ref),
		Repository:    ref.Repository,
		Credential:    cred,
		AllowInsecure: e.plan.AllowInsecure,
		Timeout:       e.httpTimeout,
		ChunkSize:     e.chunkSize,
		UserAgent:     e.userAgent,
		Logger:        e.logger,
	})
}

// sameRegistry reports whether the base and target live on one registry
// host, making cross-repository mounts possible.
func (e *Engine) sameRegistry() bool {
	return e.hasBase() && e.registryHost(e.base) == e.registryHost(e.target)
}
