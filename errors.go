package bia

import (
	"errors"
)

var (
	// ErrNotAVersionControlRepository the source tree has no version control metadata
	ErrNotAVersionControlRepository = errors.New("not a version control repository")
	// ErrDirtyWorkTree the source tree has uncommitted changes
	ErrDirtyWorkTree = errors.New("the work tree has uncommitted changes")
	// ErrBuildFailure the image build step failed
	ErrBuildFailure = errors.New("image build failed")
	// ErrNoLastBuild push invoked with no recorded build marker
	ErrNoLastBuild = errors.New("no last build recorded, run build first")
	// ErrPushRejected the registry refused the pushed image
	ErrPushRejected = errors.New("image push rejected by the registry")
	// ErrVersionNotFound no pushed artifact exists for the requested version
	ErrVersionNotFound = errors.New("version not found in the registry")
	// ErrSpecificationNotFound the task definition family does not exist
	ErrSpecificationNotFound = errors.New("task definition family not found")
	// ErrContainerNotFound the task definition has no container with the configured name
	ErrContainerNotFound = errors.New("container not found in the task definition")
	// ErrRegistrationRejected the orchestrator refused the submitted task definition
	ErrRegistrationRejected = errors.New("task definition registration rejected")
	// ErrUpdateRejected the service update call was refused
	ErrUpdateRejected = errors.New("service update rejected")
	// ErrConvergenceTimeout the service did not stabilize before the deadline
	ErrConvergenceTimeout = errors.New("service did not reach a stable state in time")
	// ErrServiceNotFound trying to update a service that doesn't exist
	ErrServiceNotFound = errors.New("the service does not exist")
	// ErrDeploymentChangedElsewhere the deployment was changed by another invocation
	ErrDeploymentChangedElsewhere = errors.New("the deployment was changed elsewhere")
)
