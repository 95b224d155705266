package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caravel-build/caravel/build"
	"github.com/caravel-build/caravel/cache"
	"github.com/caravel-build/caravel/internal/xdg"
	"github.com/caravel-build/caravel/plan"
	"github.com/caravel-build/caravel/version"
)

var buildFlags struct {
	planFile    string
	target      string
	tags        []string
	format      string
	offline     bool
	insecure    bool
	concurrency int
	cacheDir     string
	projectCache bool
	toTar        string
	toDaemon     bool
}

var buildCmd = &cobra.Command{
	Use:   "build -f plan.yaml",
	Short: "build an image and push it to a registry, tar file, or the local daemon",
	RunE:  runBuild,
}

func init() {
	flags := buildCmd.Flags()
	flags.StringVarP(&buildFlags.planFile, "file", "f", "caravel.yaml", "build plan file")
	flags.StringVarP(&buildFlags.target, "target", "t", "", "override the target image reference")
	flags.StringSliceVar(&buildFlags.tags, "tag", nil, "additional tags to apply")
	flags.StringVar(&buildFlags.format, "format", "", "manifest format: docker or oci")
	flags.BoolVar(&buildFlags.offline, "offline", false, "resolve the base image from the cache only")
	flags.BoolVar(&buildFlags.insecure, "insecure-registry", false, "allow plaintext HTTP and unverified TLS")
	flags.IntVar(&buildFlags.concurrency, "concurrency", 0, "maximum parallel build steps")
	flags.StringVar(&buildFlags.cacheDir, "cache-dir", "", "layer cache directory")
	flags.BoolVar(&buildFlags.projectCache, "use-only-project-cache", false, "keep the layer cache in ./.caravel-cache")
	flags.StringVar(&buildFlags.toTar, "to-tar", "", "write the image to a tar archive instead of pushing")
	flags.BoolVar(&buildFlags.toDaemon, "to-daemon", false, "load the image into the local Docker daemon instead of pushing")
}

func runBuild(cmd *cobra.Command, args []string) error {
	p, err := plan.ParseFile(buildFlags.planFile)
	if err != nil {
		return err
	}

	// Flags override the plan file.
	if buildFlags.target != "" {
		p.TargetImage = buildFlags.target
	}
	if len(buildFlags.tags) > 0 {
		p.Tags = append(p.Tags, buildFlags.tags...)
	}
	if buildFlags.format != "" {
		p.Format = buildFlags.format
	}
	if buildFlags.offline {
		p.Offline = true
	}
	if buildFlags.insecure {
		p.AllowInsecure = true
	}
	if buildFlags.concurrency > 0 {
		p.Concurrency = buildFlags.concurrency
	}

	cacheDir := buildFlags.cacheDir
	switch {
	case cacheDir != "":
	case buildFlags.projectCache || p.UseOnlyProjectCache:
		cacheDir = ".caravel-cache"
	default:
		cacheDir = xdg.Dir(xdg.Cache, "caravel")
	}

	logger := logrus.NewEntry(logrus.StandardLogger())
	layerCache, err := cache.New(cacheDir, logger)
	if err != nil {
		return err
	}
	if err := layerCache.CleanTemp(); err != nil {
		logger.WithError(err).Debug("could not clean cache temp dir")
	}

	engine, err := build.New(build.Options{
		Plan:      p,
		Cache:     layerCache,
		Logger:    logger,
		UserAgent: "caravel/" + version.Version,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	switch {
	case buildFlags.toTar != "":
		dgst, err := engine.ExportTar(ctx, buildFlags.toTar)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", dgst)
	case buildFlags.toDaemon:
		dgst, err := engine.LoadDocker(ctx, "")
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", dgst)
	default:
		dgst, err := engine.Push(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", dgst)
	}
	return nil
}
