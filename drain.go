package bia

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/autoscaling/autoscalingiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// InstanceDrainer replaces container instances whose launch configuration
// is out of date: detach from the auto scaling group, set the ECS
// container instance DRAINING, wait for tasks to move off, terminate. The
// group's replacement instances come up on the current configuration.
type InstanceDrainer struct {
	ECS        ecsiface.ECSAPI
	AutoScale  autoscalingiface.AutoScalingAPI
	EC2        ec2iface.EC2API
	GroupName  string
	Cluster    string
	NewBackOff func() backoff.BackOff
}

func (d *InstanceDrainer) backOff() backoff.BackOff {
	if d.NewBackOff != nil {
		return d.NewBackOff()
	}
	return backoff.NewExponentialBackOff()
}

type clusterInstance struct {
	ec2InstanceID       string
	containerInstanceID string
}

func (i clusterInstance) String() string {
	return fmt.Sprintf("%s/%s", i.ec2InstanceID, i.containerInstanceID)
}

// Apply drains and terminates every stale instance in the group.
func (d *InstanceDrainer) Apply() error {
	groupInstances, wantedLaunchConfig, err := d.groupInstances()
	if err != nil {
		return err
	}
	stale := filterStaleInstances(wantedLaunchConfig, groupInstances)
	if len(stale) == 0 {
		log.WithField("group", d.GroupName).Info("no stale instances")
		return nil
	}
	instances, err := d.resolveContainerInstances(stale)
	if err != nil {
		return err
	}
	return d.drainAll(instances)
}

func (d *InstanceDrainer) groupInstances() ([]*autoscaling.Instance, *string, error) {
	output, err := d.AutoScale.DescribeAutoScalingGroups(&autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []*string{aws.String(d.GroupName)},
	})
	if err != nil {
		return nil, nil, err
	}
	for _, group := range output.AutoScalingGroups {
		return group.Instances, group.LaunchConfigurationName, nil
	}
	return nil, nil, fmt.Errorf("auto scaling group %s not found", d.GroupName)
}

func isStale(wantedLaunchConfig string, instance autoscaling.Instance) bool {
	return instance.LaunchConfigurationName == nil || *instance.LaunchConfigurationName != wantedLaunchConfig
}

func filterStaleInstances(wantedLaunchConfig *string, instances []*autoscaling.Instance) (stale []autoscaling.Instance) {
	if wantedLaunchConfig == nil {
		return
	}
	for _, instance := range instances {
		if instance != nil && isStale(*wantedLaunchConfig, *instance) {
			stale = append(stale, *instance)
		}
	}
	return
}

func containerInstanceArnToID(arn string) string {
	parts := strings.Split(arn, "/")
	return parts[len(parts)-1]
}

func (d *InstanceDrainer) resolveContainerInstances(instances []autoscaling.Instance) ([]clusterInstance, error) {
	var arns []*string
	err := d.ECS.ListContainerInstancesPages(
		&ecs.ListContainerInstancesInput{Cluster: aws.String(d.Cluster)},
		func(page *ecs.ListContainerInstancesOutput, lastPage bool) bool {
			arns = append(arns, page.ContainerInstanceArns...)
			return true
		})
	if err != nil {
		return nil, err
	}
	if len(arns) == 0 {
		return nil, nil
	}
	output, err := d.ECS.DescribeContainerInstances(&ecs.DescribeContainerInstancesInput{
		Cluster:            aws.String(d.Cluster),
		ContainerInstances: arns,
	})
	if err != nil {
		return nil, err
	}
	var resolved []clusterInstance
	for _, instance := range instances {
		for _, containerInstance := range output.ContainerInstances {
			if *containerInstance.Ec2InstanceId == *instance.InstanceId {
				resolved = append(resolved, clusterInstance{
					ec2InstanceID:       *instance.InstanceId,
					containerInstanceID: containerInstanceArnToID(*containerInstance.ContainerInstanceArn),
				})
				break
			}
		}
	}
	return resolved, nil
}

func (d *InstanceDrainer) detachAndDrain(instance clusterInstance) error {
	output, err := d.AutoScale.DetachInstances(&autoscaling.DetachInstancesInput{
		AutoScalingGroupName:           aws.String(d.GroupName),
		InstanceIds:                    []*string{aws.String(instance.ec2InstanceID)},
		ShouldDecrementDesiredCapacity: aws.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("detach %v: %w", instance, err)
	}
	for _, activity := range output.Activities {
		log.WithField("instance", instance.ec2InstanceID).Info(aws.StringValue(activity.Description))
	}

	reAttach := func() {
		_, err := d.AutoScale.AttachInstances(&autoscaling.AttachInstancesInput{
			AutoScalingGroupName: aws.String(d.GroupName),
			InstanceIds:          []*string{aws.String(instance.ec2InstanceID)},
		})
		if err != nil {
			log.Errorf("instance %v re-attachment failed, manual attention required: %v", instance, err)
		}
	}

	_, err = d.ECS.UpdateContainerInstancesState(&ecs.UpdateContainerInstancesStateInput{
		Cluster:            aws.String(d.Cluster),
		ContainerInstances: []*string{aws.String(instance.containerInstanceID)},
		Status:             aws.String("DRAINING"),
	})
	if err != nil {
		reAttach()
		return fmt.Errorf("drain %v: %w", instance, err)
	}

	operation := func() error {
		err := d.containerInstanceDrained(instance.containerInstanceID)
		if err != nil {
			log.WithField("instance", instance.ec2InstanceID).Info(err)
		}
		return err
	}
	if err := backoff.Retry(operation, d.backOff()); err != nil {
		reAttach()
		log.Errorf("instance %v left in DRAINING status, manual attention required", instance)
		return fmt.Errorf("wait for drain of %v: %w", instance, err)
	}
	return nil
}

func (d *InstanceDrainer) containerInstanceDrained(containerInstanceID string) error {
	output, err := d.ECS.DescribeContainerInstances(&ecs.DescribeContainerInstancesInput{
		Cluster:            aws.String(d.Cluster),
		ContainerInstances: []*string{aws.String(containerInstanceID)},
	})
	if err != nil {
		return err
	}
	for _, containerInstance := range output.ContainerInstances {
		if *containerInstance.Status != "DRAINING" {
			return backoff.Permanent(errors.New("the instance should be DRAINING but is not"))
		}
		if *containerInstance.RunningTasksCount != 0 {
			return errors.New("container instance still DRAINING")
		}
		return nil
	}
	return backoff.Permanent(errors.New("container instance not found"))
}

func (d *InstanceDrainer) drainAll(instances []clusterInstance) error {
	results := make([]error, len(instances))
	var wg sync.WaitGroup
	for i, instance := range instances {
		wg.Add(1)
		go func(instance clusterInstance, index int) {
			defer wg.Done()
			results[index] = d.detachAndDrain(instance)
			if results[index] == nil {
				_, err := d.EC2.TerminateInstances(&ec2.TerminateInstancesInput{
					InstanceIds: []*string{aws.String(instance.ec2InstanceID)},
				})
				results[index] = err
			}
		}(instance, i)
	}
	wg.Wait()
	var failed []error
	for _, err := range results {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%v", failed)
	}
	return nil
}
