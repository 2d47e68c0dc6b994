package bia

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
)

// copyTaskDefinition turns a described task definition into a registrable
// input. The orchestrator treats registration as "insert new revision", so
// everything it assigned itself (revision, ARN, status, registration
// timestamps, attribute requirements) must not travel back; copying field
// by field onto a fresh input drops them.
func copyTaskDefinition(input ecs.TaskDefinition, tags []*ecs.Tag) ecs.RegisterTaskDefinitionInput {
	obj, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	inputClone := ecs.TaskDefinition{}
	err = json.Unmarshal(obj, &inputClone)
	if err != nil {
		panic(err)
	}
	output := ecs.RegisterTaskDefinitionInput{}
	output.ContainerDefinitions = inputClone.ContainerDefinitions
	output.Cpu = inputClone.Cpu
	output.EphemeralStorage = inputClone.EphemeralStorage
	output.ExecutionRoleArn = inputClone.ExecutionRoleArn
	output.Family = inputClone.Family
	output.InferenceAccelerators = inputClone.InferenceAccelerators
	output.IpcMode = inputClone.IpcMode
	output.Memory = inputClone.Memory
	output.NetworkMode = inputClone.NetworkMode
	output.PidMode = inputClone.PidMode
	output.PlacementConstraints = inputClone.PlacementConstraints
	output.ProxyConfiguration = inputClone.ProxyConfiguration
	output.RequiresCompatibilities = inputClone.RequiresCompatibilities
	output.RuntimePlatform = inputClone.RuntimePlatform
	output.TaskRoleArn = inputClone.TaskRoleArn
	output.Volumes = inputClone.Volumes
	output.Tags = tags
	return output
}

// setContainerImage points the named container at image, leaving every
// other container untouched.
func setContainerImage(copy ecs.RegisterTaskDefinitionInput, container, image string) ecs.RegisterTaskDefinitionInput {
	obj, err := json.Marshal(copy)
	if err != nil {
		panic(err)
	}
	copyClone := ecs.RegisterTaskDefinitionInput{}
	err = json.Unmarshal(obj, &copyClone)
	if err != nil {
		panic(err)
	}
	for _, containerDefinition := range copyClone.ContainerDefinitions {
		if *containerDefinition.Name == container {
			containerDefinition.Image = aws.String(image)
		}
	}
	return copyClone
}

// upsertEnvironment replaces the named environment entry in place, or
// appends it when absent. Every other entry passes through unchanged.
func upsertEnvironment(copy ecs.RegisterTaskDefinitionInput, container, name, value string) ecs.RegisterTaskDefinitionInput {
	obj, err := json.Marshal(copy)
	if err != nil {
		panic(err)
	}
	copyClone := ecs.RegisterTaskDefinitionInput{}
	err = json.Unmarshal(obj, &copyClone)
	if err != nil {
		panic(err)
	}
	for _, containerDefinition := range copyClone.ContainerDefinitions {
		if *containerDefinition.Name != container {
			continue
		}
		found := false
		for _, environment := range containerDefinition.Environment {
			if *environment.Name == name {
				environment.Value = aws.String(value)
				found = true
			}
		}
		if !found {
			containerDefinition.Environment = append(containerDefinition.Environment, &ecs.KeyValuePair{
				Name:  aws.String(name),
				Value: aws.String(value),
			})
		}
	}
	return copyClone
}

// SpecificationGenerator derives a new task definition revision from the
// latest registered revision of a family, substituting only the primary
// container image and the DEPLOY_VERSION environment entry.
type SpecificationGenerator struct {
	API       ecsiface.ECSAPI
	Family    string
	Container string
}

// Generate registers the derived revision and returns its ARN.
func (g *SpecificationGenerator) Generate(image, version string) (string, error) {
	output, err := g.API.DescribeTaskDefinition(&ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(g.Family),
		Include:        []*string{aws.String("TAGS")},
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ecs.ErrCodeClientException {
			return "", fmt.Errorf("%w: %s", ErrSpecificationNotFound, g.Family)
		}
		return "", fmt.Errorf("describe task definition %s: %w", g.Family, err)
	}

	// A container name that matches nothing would derive an identical
	// document and "deploy" nothing.
	found := false
	for _, containerDefinition := range output.TaskDefinition.ContainerDefinitions {
		if aws.StringValue(containerDefinition.Name) == g.Container {
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s in family %s", ErrContainerNotFound, g.Container, g.Family)
	}

	template := copyTaskDefinition(*output.TaskDefinition, output.Tags)
	derived := setContainerImage(template, g.Container, image)
	derived = upsertEnvironment(derived, g.Container, DeployVersionEnvName, version)
	if len(derived.Tags) == 0 {
		derived.Tags = nil
	}

	// Registering an unchanged document would still mint a new revision;
	// reuse the latest one instead so repeated updates converge on it.
	if reflect.DeepEqual(copyTaskDefinition(*output.TaskDefinition, derived.Tags), derived) {
		return *output.TaskDefinition.TaskDefinitionArn, nil
	}

	registered, err := g.API.RegisterTaskDefinition(&derived)
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case ecs.ErrCodeInvalidParameterException, ecs.ErrCodeClientException:
				return "", fmt.Errorf("%w: %s", ErrRegistrationRejected, aerr.Message())
			}
		}
		return "", fmt.Errorf("register task definition: %w", err)
	}
	return *registered.TaskDefinition.TaskDefinitionArn, nil
}
