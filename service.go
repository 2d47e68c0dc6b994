package bia

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

var (
	errOtherThanPrimaryDeployment = errors.New("other than PRIMARY deployment found")
	errNotRunningDesiredCount     = errors.New("not running the desired count")
	errNoPrimaryDeployment        = errors.New("no PRIMARY deployment")
	errServiceGone                = errors.New("the service disappeared after the update")
)

// ServiceUpdater converges a running service onto a task definition
// revision and blocks until the orchestrator reports it stable.
type ServiceUpdater struct {
	API     ecsiface.ECSAPI
	Cluster string
	Service string
	// NewBackOff produces the polling strategy for one convergence wait.
	// Nil means exponential backoff without an elapsed-time cap; the
	// caller's context carries the deadline.
	NewBackOff func() backoff.BackOff
}

func (u *ServiceUpdater) backOff(ctx context.Context) backoff.BackOff {
	if u.NewBackOff != nil {
		return backoff.WithContext(u.NewBackOff(), ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return backoff.WithContext(bo, ctx)
}

// Update requests convergence to revision and waits for it. The update
// always forces a new deployment, so re-invoking with the revision the
// service already runs still rolls every task.
func (u *ServiceUpdater) Update(ctx context.Context, revision string, desiredCount *int64) error {
	if desiredCount == nil {
		current, err := u.describe(ctx)
		if err != nil {
			return err
		}
		desiredCount = current.DesiredCount
	}

	output, err := u.API.UpdateServiceWithContext(ctx, &ecs.UpdateServiceInput{
		Cluster:        aws.String(u.Cluster),
		Service:        aws.String(u.Service),
		TaskDefinition: aws.String(revision),
		DesiredCount:   desiredCount,
		// Without this, requesting the revision the service already runs
		// starts no deployment and replaces no task.
		ForceNewDeployment: aws.Bool(true),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case ecs.ErrCodeServiceNotFoundException, ecs.ErrCodeServiceNotActiveException:
				return fmt.Errorf("%w: %s", ErrServiceNotFound, u.Service)
			case ecs.ErrCodeInvalidParameterException, ecs.ErrCodeClientException, ecs.ErrCodeClusterNotFoundException:
				return fmt.Errorf("%w: %s", ErrUpdateRejected, aerr.Message())
			}
		}
		return fmt.Errorf("update service %s: %w", u.Service, err)
	}

	return u.waitStable(ctx, *output.Service)
}

func (u *ServiceUpdater) describe(ctx context.Context) (*ecs.Service, error) {
	output, err := u.API.DescribeServicesWithContext(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(u.Cluster),
		Services: []*string{aws.String(u.Service)},
	})
	if err != nil {
		return nil, fmt.Errorf("describe service %s: %w", u.Service, err)
	}
	for _, svc := range output.Services {
		return svc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, u.Service)
}

// waitStable polls until the PRIMARY deployment created by the update is
// the only deployment left and runs the desired count. A different PRIMARY
// appearing mid-wait means another invocation raced this one.
func (u *ServiceUpdater) waitStable(ctx context.Context, updated ecs.Service) error {
	var primary *ecs.Deployment
	for _, deployment := range updated.Deployments {
		if *deployment.Status == "PRIMARY" {
			primary = deployment
		}
	}
	if primary == nil {
		return fmt.Errorf("%w: %s", ErrUpdateRejected, errNoPrimaryDeployment)
	}

	var prevErr error
	operation := func() error {
		err := u.checkConverged(ctx, *primary.Id)
		if err != nil && !errors.Is(err, prevErr) {
			prevErr = err
			log.WithFields(log.Fields{"cluster": u.Cluster, "service": u.Service}).Info(err)
		}
		return err
	}

	err := backoff.Retry(operation, u.backOff(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeploymentChangedElsewhere), errors.Is(err, ErrServiceNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrConvergenceTimeout, err)
	}
}

func (u *ServiceUpdater) checkConverged(ctx context.Context, deploymentID string) error {
	svc, err := u.describe(ctx)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return backoff.Permanent(fmt.Errorf("%w: %v", err, errServiceGone))
		}
		return err
	}
	for _, deployment := range svc.Deployments {
		if *deployment.Status == "PRIMARY" && *deployment.Id != deploymentID {
			return backoff.Permanent(ErrDeploymentChangedElsewhere)
		}
	}
	for _, deployment := range svc.Deployments {
		if *deployment.Id != deploymentID {
			return errOtherThanPrimaryDeployment
		}
	}
	for _, deployment := range svc.Deployments {
		if *deployment.Id == deploymentID {
			if *svc.RunningCount < *svc.DesiredCount {
				return errNotRunningDesiredCount
			}
			return nil
		}
	}
	return backoff.Permanent(fmt.Errorf("%w: %v", ErrServiceNotFound, errServiceGone))
}

// ActiveRevision returns the task definition the service currently targets.
func (u *ServiceUpdater) ActiveRevision(ctx context.Context) (string, error) {
	svc, err := u.describe(ctx)
	if err != nil {
		return "", err
	}
	return aws.StringValue(svc.TaskDefinition), nil
}
