package bia

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
)

// PublishedVersion is one entry of the registry's version history.
type PublishedVersion struct {
	Version  string
	Digest   string
	PushedAt time.Time
}

// Catalog reads the ordered history of published image versions from the
// artifact registry. Rollback target validation and the list subcommand
// both go through here; each call queries the registry fresh.
type Catalog struct {
	API        ecriface.ECRAPI
	Repository string
}

// RepositoryURI resolves the fully qualified registry coordinates of the
// repository, the prefix of every image reference this tool produces.
func (c *Catalog) RepositoryURI(ctx context.Context) (string, error) {
	output, err := c.API.DescribeRepositoriesWithContext(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []*string{aws.String(c.Repository)},
	})
	if err != nil {
		return "", fmt.Errorf("describe repository %s: %w", c.Repository, err)
	}
	for _, repository := range output.Repositories {
		return *repository.RepositoryUri, nil
	}
	return "", fmt.Errorf("describe repository %s: empty response", c.Repository)
}

// List returns up to limit versions, most recently pushed first. Untagged
// images (dangling layers from overwritten tags) and the moving latest
// alias are skipped.
func (c *Catalog) List(ctx context.Context, limit int) ([]PublishedVersion, error) {
	var versions []PublishedVersion
	err := c.API.DescribeImagesPagesWithContext(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(c.Repository),
	}, func(page *ecr.DescribeImagesOutput, lastPage bool) bool {
		for _, detail := range page.ImageDetails {
			for _, tag := range detail.ImageTags {
				if *tag == "latest" {
					continue
				}
				versions = append(versions, PublishedVersion{
					Version:  *tag,
					Digest:   aws.StringValue(detail.ImageDigest),
					PushedAt: aws.TimeValue(detail.ImagePushedAt),
				})
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", c.Repository, err)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].PushedAt.After(versions[j].PushedAt)
	})
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

// Resolve re-derives the image reference for a previously pushed version.
// It never triggers a rebuild; the artifact must already exist.
func (c *Catalog) Resolve(ctx context.Context, version string) (string, error) {
	uri, err := c.RepositoryURI(ctx)
	if err != nil {
		return "", err
	}
	output, err := c.API.DescribeImagesWithContext(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(c.Repository),
		ImageIds:       []*ecr.ImageIdentifier{{ImageTag: aws.String(version)}},
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ecr.ErrCodeImageNotFoundException {
			return "", fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return "", fmt.Errorf("describe image %s:%s: %w", c.Repository, version, err)
	}
	if len(output.ImageDetails) == 0 {
		return "", fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return fmt.Sprintf("%s:%s", uri, version), nil
}
