package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/docker/docker/client"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/andersonrocha79/bia"
)

type exitCode int

const (
	exitSuccess exitCode = iota
	exitInvocationFailure
	exitPreconditionFailure
	exitBuildFailure
	exitRegistryFailure
	exitSpecificationFailure
	exitConvergenceFailure
)

const version = "1.0.0"

func main() {
	err := run(os.Args[1:])
	if err == nil {
		return
	}
	log.Errorf("fatal: %s", err)
	os.Exit(int(errorExitCode(err)))
}

func errorExitCode(err error) exitCode {
	switch {
	case errors.Is(err, bia.ErrNotAVersionControlRepository),
		errors.Is(err, bia.ErrDirtyWorkTree),
		errors.Is(err, bia.ErrNoLastBuild):
		return exitPreconditionFailure
	case errors.Is(err, bia.ErrBuildFailure):
		return exitBuildFailure
	case errors.Is(err, bia.ErrPushRejected),
		errors.Is(err, bia.ErrVersionNotFound):
		return exitRegistryFailure
	case errors.Is(err, bia.ErrSpecificationNotFound),
		errors.Is(err, bia.ErrContainerNotFound),
		errors.Is(err, bia.ErrRegistrationRejected):
		return exitSpecificationFailure
	case errors.Is(err, bia.ErrUpdateRejected),
		errors.Is(err, bia.ErrConvergenceTimeout),
		errors.Is(err, bia.ErrServiceNotFound),
		errors.Is(err, bia.ErrDeploymentChangedElsewhere):
		return exitConvergenceFailure
	default:
		return exitInvocationFailure
	}
}

func setupLogging(opts options) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if opts.Quiet {
		log.SetLevel(log.WarnLevel)
		return nil
	}
	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return fmt.Errorf("while setting log level: %s", err)
	}
	log.SetLevel(level)
	return nil
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `bia builds and deploys the BIA application to Amazon ECS.

Usage: bia [flags] <subcommand>

Subcommands:
  build              build an image tagged with the current commit
  push               push the last built image to ECR
  deploy             build, push and release in one go
  update             force the service to reconverge on the last build
  rollback <version> release a previously pushed version
  list               show the most recently pushed versions
  history            show the local deploy audit log
  drain              replace stale container instances in the ASG
  version            print the tool version
  help               print this help

Flags:
%s`, fs.FlagUsages())
	}
}

func run(args []string) error {
	opts, positional, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := setupLogging(opts); err != nil {
		return err
	}
	if len(positional) == 0 {
		return fmt.Errorf("no subcommand given, see --help")
	}
	subcommand := positional[0]

	switch subcommand {
	case "help":
		opts.usage()
		return nil
	case "version":
		fmt.Println(version)
		return nil
	}

	cfg := opts.config()
	if err := cfg.Validate(); err != nil {
		return err
	}

	sess := session.Must(session.NewSessionWithOptions(session.Options{
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
	}))
	if cfg.Region != "" {
		sess = sess.Copy(&aws.Config{Region: aws.String(cfg.Region)})
	}

	// The convergence timeout is applied inside the pipeline, around the
	// service update alone; builds and pushes are not on its budget.
	ctx := context.Background()

	pipeline := &bia.Pipeline{
		Config:   cfg,
		Resolver: bia.NewVersionResolver(opts.SourceDir),
		Catalog:  &bia.Catalog{API: ecr.New(sess), Repository: cfg.Repository},
		Generator: &bia.SpecificationGenerator{
			API:       ecs.New(sess),
			Family:    cfg.Family,
			Container: cfg.Container,
		},
		Updater: &bia.ServiceUpdater{
			API:     ecs.New(sess),
			Cluster: cfg.Cluster,
			Service: cfg.Service,
		},
		State:   &bia.LocalState{Dir: opts.SourceDir},
		Confirm: confirm,
	}

	needsDocker := subcommand == "build" || subcommand == "push" || subcommand == "deploy"
	if needsDocker {
		docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("docker engine unavailable: %w", err)
		}
		pipeline.Builder = &bia.ImageBuilder{
			Docker:    docker,
			ECR:       ecr.New(sess),
			SourceDir: opts.SourceDir,
		}
	}

	switch subcommand {
	case "build":
		built, err := pipeline.Build(ctx)
		if err != nil {
			return err
		}
		log.Infof("built version %s", built)
		return nil
	case "push":
		pushed, err := pipeline.Push(ctx)
		if err != nil {
			return err
		}
		log.Infof("pushed version %s", pushed)
		return nil
	case "deploy":
		return pipeline.Deploy(ctx)
	case "update":
		return pipeline.Update(ctx)
	case "rollback":
		if len(positional) < 2 {
			return fmt.Errorf("rollback requires a version argument")
		}
		return pipeline.Rollback(ctx, positional[1])
	case "list":
		versions, err := pipeline.Catalog.List(ctx, opts.Limit)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("%s\t%s\t%s\n", v.Version, v.PushedAt.Format("2006-01-02 15:04:05"), v.Digest)
		}
		return nil
	case "history":
		records, err := pipeline.State.Deploys()
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\t%s\n", r.Timestamp.Format("2006-01-02 15:04:05"), r.Version, r.Outcome, r.Revision)
		}
		return nil
	case "drain":
		if opts.GroupName == "" {
			return fmt.Errorf("drain requires --asg")
		}
		drainer := &bia.InstanceDrainer{
			ECS:       ecs.New(sess),
			AutoScale: autoscaling.New(sess),
			EC2:       ec2.New(sess),
			GroupName: opts.GroupName,
			Cluster:   cfg.Cluster,
		}
		return drainer.Apply()
	default:
		return fmt.Errorf("unknown subcommand %q", subcommand)
	}
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
