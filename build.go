package bia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	log "github.com/sirupsen/logrus"
)

// dockerAPI is the slice of the docker engine API the builder needs.
// *client.Client satisfies it.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options types.ImagePushOptions) (io.ReadCloser, error)
}

// ImageBuilder builds the source tree into an image tagged with the full
// registry reference and pushes it with registry credentials resolved
// from ECR. Build and push are separate steps so they can run in separate
// invocations; the last-build marker bridges them.
type ImageBuilder struct {
	Docker    dockerAPI
	ECR       ecriface.ECRAPI
	SourceDir string
	Output    io.Writer
}

func (b *ImageBuilder) output() io.Writer {
	if b.Output != nil {
		return b.Output
	}
	return os.Stderr
}

// Build produces a local image tagged image. Any failing build step aborts
// the attempt; nothing partially built is ever pushed.
func (b *ImageBuilder) Build(ctx context.Context, image string, buildArgs map[string]string) error {
	buildContext, err := archive.TarWithOptions(b.SourceDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("%w: tar build context: %v", ErrBuildFailure, err)
	}
	defer buildContext.Close()

	args := map[string]*string{}
	for name, value := range buildArgs {
		value := value
		args[name] = &value
	}

	response, err := b.Docker.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: "Dockerfile",
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}
	defer response.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(response.Body, b.output(), 0, false, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}
	log.WithField("image", image).Info("image built")
	return nil
}

// Push uploads a previously built image to the registry.
func (b *ImageBuilder) Push(ctx context.Context, image string) error {
	auth, err := b.registryAuth(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	}
	response, err := b.Docker.ImagePush(ctx, image, types.ImagePushOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	}
	defer response.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(response, b.output(), 0, false, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	}
	log.WithField("image", image).Info("image pushed")
	return nil
}

// Tag aliases a local image under a second reference.
func (b *ImageBuilder) Tag(ctx context.Context, source, target string) error {
	if err := b.Docker.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	return nil
}

// registryAuth exchanges an ECR authorization token for the base64 auth
// header the docker engine expects.
func (b *ImageBuilder) registryAuth(ctx context.Context) (string, error) {
	output, err := b.ECR.GetAuthorizationTokenWithContext(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("ecr authorization: %w", err)
	}
	for _, data := range output.AuthorizationData {
		return encodeRegistryAuth(*data.AuthorizationToken, *data.ProxyEndpoint)
	}
	return "", fmt.Errorf("ecr authorization: empty response")
}

func encodeRegistryAuth(token, endpoint string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode authorization token: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed authorization token")
	}
	authConfig := registry.AuthConfig{
		Username:      parts[0],
		Password:      parts[1],
		ServerAddress: endpoint,
	}
	obj, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(obj), nil
}
