package main

import (
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/andersonrocha79/bia"
)

type options struct {
	bia.Config
	DesiredCount int64
	SourceDir    string
	GroupName    string
	Limit        int
	LogLevel     string
	Quiet        bool
	usage        func()
}

const envPrefix = "BIA"

// parseFlags resolves configuration with precedence flags > environment
// (BIA_ prefixed) > defaults.
func parseFlags(args []string) (options, []string, error) {
	opts := options{}
	fs := flag.NewFlagSet("bia", flag.ContinueOnError)
	fs.Usage = usage(fs)
	opts.usage = fs.Usage

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.StringVar(&opts.Region, "region", bia.DefaultRegion, "AWS region")
	fs.StringVar(&opts.Profile, "profile", "", "AWS shared credentials profile")
	fs.StringVar(&opts.Cluster, "cluster", bia.DefaultCluster, "ECS cluster name")
	fs.StringVar(&opts.Service, "service", bia.DefaultService, "ECS service name")
	fs.StringVar(&opts.Family, "family", bia.DefaultFamily, "task definition family")
	fs.StringVar(&opts.Repository, "repository", bia.DefaultRepository, "ECR repository name")
	fs.StringVar(&opts.Container, "container", bia.DefaultContainer, "container name inside the task definition")
	fs.Int64Var(&opts.DesiredCount, "desired-count", -1, "desired task count (negative: keep current)")
	fs.DurationVar(&opts.Timeout, "timeout", bia.DefaultTimeout, "how long to wait for the service to stabilize")
	fs.StringToStringVar(&opts.BuildArgs, "build-arg", nil, "build argument NAME=VALUE, repeatable")
	fs.StringVar(&opts.SourceDir, "source", ".", "source tree to build and version")
	fs.StringVar(&opts.GroupName, "asg", "", "auto scaling group name (drain subcommand)")
	fs.IntVar(&opts.Limit, "limit", bia.DefaultCatalogLimit, "how many versions to list")
	fs.BoolVar(&opts.AssumeYes, "yes", false, "answer yes to confirmation prompts")
	fs.BoolVar(&opts.Quiet, "quiet", false, "only print warnings and errors")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "log level")

	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return opts, nil, err
	}

	// Environment only applies to flags that were not set explicitly.
	fs.VisitAll(func(f *flag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, v.GetString(f.Name))
		}
	})

	return opts, fs.Args(), nil
}

func (o options) config() bia.Config {
	cfg := o.Config
	if o.DesiredCount >= 0 {
		count := o.DesiredCount
		cfg.DesiredCount = &count
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = bia.DefaultTimeout
	}
	return cfg
}
