package bia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/cenkalti/backoff/v4"
)

func testBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
}

func stableService(revision, deploymentID string) *ecs.Service {
	return &ecs.Service{
		ServiceName:    aws.String("service-bia"),
		TaskDefinition: aws.String(revision),
		DesiredCount:   aws.Int64(2),
		RunningCount:   aws.Int64(2),
		Deployments: []*ecs.Deployment{
			{Id: aws.String(deploymentID), Status: aws.String("PRIMARY")},
		},
	}
}

func TestUpdateConverges(t *testing.T) {
	var updates []string
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			updates = append(updates, *in.TaskDefinition)
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{stableService("task-def-bia:8", "ecs-svc/1")}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	if err := u.Update(context.Background(), "task-def-bia:8", aws.Int64(2)); err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0] != "task-def-bia:8" {
		t.Errorf("updates = %v", updates)
	}
}

func TestUpdateForcesNewDeployment(t *testing.T) {
	var forced *bool
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			forced = in.ForceNewDeployment
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{stableService("task-def-bia:8", "ecs-svc/1")}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	if err := u.Update(context.Background(), "task-def-bia:8", aws.Int64(2)); err != nil {
		t.Fatal(err)
	}
	if forced == nil || !*forced {
		t.Errorf("UpdateServiceInput.ForceNewDeployment = %v, want true", forced)
	}
}

func TestUpdateKeepsCurrentDesiredCount(t *testing.T) {
	var requested *int64
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			requested = in.DesiredCount
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{stableService("task-def-bia:8", "ecs-svc/1")}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	if err := u.Update(context.Background(), "task-def-bia:8", nil); err != nil {
		t.Fatal(err)
	}
	if requested == nil || *requested != 2 {
		t.Errorf("desired count = %v, want the service's current count", requested)
	}
}

func TestUpdateRejected(t *testing.T) {
	api := &fakeECS{
		updateService: func(*ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			return nil, awserr.New(ecs.ErrCodeInvalidParameterException, "revision does not exist", nil)
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	err := u.Update(context.Background(), "task-def-bia:999", aws.Int64(2))
	if !errors.Is(err, ErrUpdateRejected) {
		t.Errorf("err = %v, want ErrUpdateRejected", err)
	}
}

func TestUpdateServiceNotFound(t *testing.T) {
	api := &fakeECS{
		updateService: func(*ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			return nil, awserr.New(ecs.ErrCodeServiceNotFoundException, "service not found", nil)
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "gone", NewBackOff: testBackOff}
	err := u.Update(context.Background(), "task-def-bia:8", aws.Int64(2))
	if !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestUpdateDetectsConcurrentDeployment(t *testing.T) {
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			// Someone else's update became PRIMARY while we waited.
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{stableService("task-def-bia:9", "ecs-svc/2")}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	err := u.Update(context.Background(), "task-def-bia:8", aws.Int64(2))
	if !errors.Is(err, ErrDeploymentChangedElsewhere) {
		t.Errorf("err = %v, want ErrDeploymentChangedElsewhere", err)
	}
}

func TestUpdateTimesOutWhileDraining(t *testing.T) {
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			svc := stableService("task-def-bia:8", "ecs-svc/1")
			// The previous deployment never finishes draining.
			svc.Deployments = append(svc.Deployments, &ecs.Deployment{
				Id: aws.String("ecs-svc/0"), Status: aws.String("ACTIVE"),
			})
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{svc}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	err := u.Update(context.Background(), "task-def-bia:8", aws.Int64(2))
	if !errors.Is(err, ErrConvergenceTimeout) {
		t.Errorf("err = %v, want ErrConvergenceTimeout", err)
	}
}

func TestUpdateTimesOutBelowDesiredCount(t *testing.T) {
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			svc := stableService("task-def-bia:8", "ecs-svc/1")
			svc.RunningCount = aws.Int64(1)
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{svc}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	err := u.Update(context.Background(), "task-def-bia:8", aws.Int64(2))
	if !errors.Is(err, ErrConvergenceTimeout) {
		t.Errorf("err = %v, want ErrConvergenceTimeout", err)
	}
}

func TestUpdateStopsAtContextDeadline(t *testing.T) {
	api := &fakeECS{
		updateService: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			return &ecs.UpdateServiceOutput{Service: stableService(*in.TaskDefinition, "ecs-svc/1")}, nil
		},
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			svc := stableService("task-def-bia:8", "ecs-svc/1")
			svc.RunningCount = aws.Int64(1)
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{svc}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: func() backoff.BackOff {
		// Retries forever; only the context deadline can end the wait.
		return backoff.NewConstantBackOff(time.Millisecond)
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := u.Update(ctx, "task-def-bia:8", aws.Int64(2))
	if !errors.Is(err, ErrConvergenceTimeout) {
		t.Errorf("err = %v, want ErrConvergenceTimeout", err)
	}
}

func TestActiveRevision(t *testing.T) {
	api := &fakeECS{
		describeServices: func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{Services: []*ecs.Service{stableService("task-def-bia:8", "ecs-svc/1")}}, nil
		},
	}
	u := &ServiceUpdater{API: api, Cluster: "cluster-bia", Service: "service-bia", NewBackOff: testBackOff}
	revision, err := u.ActiveRevision(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if revision != "task-def-bia:8" {
		t.Errorf("revision = %s", revision)
	}
}
