package bia

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/docker/docker/api/types"
	"github.com/sergi/go-diff/diffmatchpatch"
)

type fakeECS struct {
	ecsiface.ECSAPI
	describeTaskDefinition func(*ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error)
	registerTaskDefinition func(*ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error)
	updateService          func(*ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error)
	describeServices       func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error)
}

func (f *fakeECS) DescribeTaskDefinition(in *ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
	return f.describeTaskDefinition(in)
}

func (f *fakeECS) RegisterTaskDefinition(in *ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error) {
	return f.registerTaskDefinition(in)
}

func (f *fakeECS) UpdateServiceWithContext(_ aws.Context, in *ecs.UpdateServiceInput, _ ...request.Option) (*ecs.UpdateServiceOutput, error) {
	return f.updateService(in)
}

func (f *fakeECS) DescribeServicesWithContext(_ aws.Context, in *ecs.DescribeServicesInput, _ ...request.Option) (*ecs.DescribeServicesOutput, error) {
	return f.describeServices(in)
}

type fakeECR struct {
	ecriface.ECRAPI
	describeRepositories  func(*ecr.DescribeRepositoriesInput) (*ecr.DescribeRepositoriesOutput, error)
	describeImages        func(*ecr.DescribeImagesInput) (*ecr.DescribeImagesOutput, error)
	describeImagesPages   func(*ecr.DescribeImagesInput, func(*ecr.DescribeImagesOutput, bool) bool) error
	getAuthorizationToken func(*ecr.GetAuthorizationTokenInput) (*ecr.GetAuthorizationTokenOutput, error)
}

func (f *fakeECR) DescribeRepositoriesWithContext(_ aws.Context, in *ecr.DescribeRepositoriesInput, _ ...request.Option) (*ecr.DescribeRepositoriesOutput, error) {
	return f.describeRepositories(in)
}

func (f *fakeECR) DescribeImagesWithContext(_ aws.Context, in *ecr.DescribeImagesInput, _ ...request.Option) (*ecr.DescribeImagesOutput, error) {
	return f.describeImages(in)
}

func (f *fakeECR) DescribeImagesPagesWithContext(_ aws.Context, in *ecr.DescribeImagesInput, fn func(*ecr.DescribeImagesOutput, bool) bool, _ ...request.Option) error {
	return f.describeImagesPages(in, fn)
}

func (f *fakeECR) GetAuthorizationTokenWithContext(_ aws.Context, in *ecr.GetAuthorizationTokenInput, _ ...request.Option) (*ecr.GetAuthorizationTokenOutput, error) {
	return f.getAuthorizationToken(in)
}

type fakeDocker struct {
	imageBuild func(types.ImageBuildOptions) error
	imagePush  func(image string, options types.ImagePushOptions) error
	imageTag   func(source, target string) error
}

func (f *fakeDocker) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if f.imageBuild != nil {
		if err := f.imageBuild(options); err != nil {
			return types.ImageBuildResponse{}, err
		}
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeDocker) ImageTag(_ context.Context, source, target string) error {
	if f.imageTag != nil {
		return f.imageTag(source, target)
	}
	return nil
}

func (f *fakeDocker) ImagePush(_ context.Context, image string, options types.ImagePushOptions) (io.ReadCloser, error) {
	if f.imagePush != nil {
		if err := f.imagePush(image, options); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(strings.NewReader("")), nil
}

// diffJSON fails the test with a readable diff of two marshaled values.
func diffJSON(t *testing.T, want, got interface{}) {
	t.Helper()
	wantObj, err := json.MarshalIndent(want, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	gotObj, err := json.MarshalIndent(got, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if string(wantObj) == string(gotObj) {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(wantObj), string(gotObj), false)
	t.Errorf("unexpected difference:\n%s", dmp.DiffPrettyText(diffs))
}
