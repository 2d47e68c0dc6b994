package bia

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Outcome is the terminal state of one deploy attempt. An attempt moves
// from specification generation to a convergence request and ends in
// exactly one of these; there is no automatic retry across attempts.
type Outcome string

const (
	OutcomeStable   Outcome = "stable"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimedOut Outcome = "timed-out"
)

// Pipeline wires the deploy workflow together. Forward deploy and
// rollback share the release path; they differ only in where the version
// identifier comes from.
type Pipeline struct {
	Config    Config
	Resolver  *VersionResolver
	Builder   *ImageBuilder
	Catalog   *Catalog
	Generator *SpecificationGenerator
	Updater   *ServiceUpdater
	State     *LocalState
	// Confirm asks the operator to accept a warning. Nil refuses.
	Confirm func(prompt string) bool
}

// resolveVersion computes the version identifier for a fresh build,
// holding the attempt if the work tree is dirty and the operator has not
// waved it through.
func (p *Pipeline) resolveVersion() (string, error) {
	version, err := p.Resolver.Resolve()
	if err != nil {
		return "", err
	}
	dirty, err := p.Resolver.Dirty()
	if err != nil {
		return "", err
	}
	if dirty && !p.Config.AssumeYes {
		log.Warnf("work tree has uncommitted changes; the image will not match commit %s", version)
		if p.Confirm == nil || !p.Confirm("continue with a dirty work tree?") {
			return "", ErrDirtyWorkTree
		}
	}
	return version, nil
}

func (p *Pipeline) imageRef(ctx context.Context, version string) (string, error) {
	uri, err := p.Catalog.RepositoryURI(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", uri, version), nil
}

// Build builds the source tree into a versioned image, aliases it as
// latest and records the version so a later push can pick it up.
func (p *Pipeline) Build(ctx context.Context) (string, error) {
	version, err := p.resolveVersion()
	if err != nil {
		return "", err
	}
	uri, err := p.Catalog.RepositoryURI(ctx)
	if err != nil {
		return "", err
	}
	image := fmt.Sprintf("%s:%s", uri, version)
	if err := p.Builder.Build(ctx, image, p.Config.BuildArgs); err != nil {
		return "", err
	}
	if err := p.Builder.Tag(ctx, image, uri+":latest"); err != nil {
		return "", err
	}
	if err := p.State.WriteLastBuild(version); err != nil {
		return "", err
	}
	return version, nil
}

// Push uploads the image recorded by the last build, both under its
// version tag and as latest.
func (p *Pipeline) Push(ctx context.Context) (string, error) {
	version, err := p.State.ReadLastBuild()
	if err != nil {
		return "", err
	}
	uri, err := p.Catalog.RepositoryURI(ctx)
	if err != nil {
		return "", err
	}
	if err := p.Builder.Push(ctx, fmt.Sprintf("%s:%s", uri, version)); err != nil {
		return "", err
	}
	if err := p.Builder.Push(ctx, uri+":latest"); err != nil {
		return "", err
	}
	return version, nil
}

// Deploy is the full forward path: build, push, then release.
func (p *Pipeline) Deploy(ctx context.Context) error {
	version, err := p.Build(ctx)
	if err != nil {
		return err
	}
	if _, err := p.Push(ctx); err != nil {
		return err
	}
	image, err := p.imageRef(ctx, version)
	if err != nil {
		return err
	}
	return p.release(ctx, version, image)
}

// Update re-releases the last built and pushed version, forcing the
// service to reconverge on it. Running it twice with no intervening build
// lands on the same task definition revision both times.
func (p *Pipeline) Update(ctx context.Context) error {
	version, err := p.State.ReadLastBuild()
	if err != nil {
		return err
	}
	image, err := p.Catalog.Resolve(ctx, version)
	if err != nil {
		return err
	}
	return p.release(ctx, version, image)
}

// Rollback releases a previously pushed version. The target must exist in
// the registry; nothing is registered or updated when it does not.
func (p *Pipeline) Rollback(ctx context.Context, version string) error {
	image, err := p.Catalog.Resolve(ctx, version)
	if err != nil {
		return err
	}
	log.WithField("version", version).Info("rolling back")
	return p.release(ctx, version, image)
}

// release is the single code path both forward deploy and rollback drive:
// derive and register the specification, then converge the service on it.
func (p *Pipeline) release(ctx context.Context, version, image string) error {
	revision, err := p.Generator.Generate(image, version)
	if err != nil {
		p.record(version, "", OutcomeRejected)
		return err
	}
	if active, err := p.Updater.ActiveRevision(ctx); err == nil && active == revision {
		log.WithField("revision", revision).Info("revision already active, forcing reconvergence")
	} else {
		log.WithFields(log.Fields{"revision": revision, "version": version}).Info("task definition registered")
	}

	// The timeout budgets the convergence wait alone; build and push run
	// as long as they need to.
	updateCtx := ctx
	if p.Config.Timeout > 0 {
		var cancel context.CancelFunc
		updateCtx, cancel = context.WithTimeout(ctx, p.Config.Timeout)
		defer cancel()
	}
	if err := p.Updater.Update(updateCtx, revision, p.Config.DesiredCount); err != nil {
		if errors.Is(err, ErrConvergenceTimeout) {
			p.record(version, revision, OutcomeTimedOut)
		} else {
			p.record(version, revision, OutcomeRejected)
		}
		return err
	}
	p.record(version, revision, OutcomeStable)
	log.WithFields(log.Fields{"revision": revision, "version": version}).Info("service stable")
	return nil
}

// record appends to the audit log. Auditing never blocks the pipeline.
func (p *Pipeline) record(version, revision string, outcome Outcome) {
	if p.State == nil {
		return
	}
	if _, err := p.State.AppendDeploy(version, revision, string(outcome)); err != nil {
		log.Warnf("deploy history not updated: %v", err)
	}
}
