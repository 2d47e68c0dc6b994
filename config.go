package bia

import (
	"fmt"
	"time"
)

// Defaults for the BIA application as provisioned by the course
// infrastructure. Every one of them can be overridden by flag or
// environment variable; see cmd/bia.
const (
	DefaultRegion        = "us-east-1"
	DefaultCluster       = "cluster-bia"
	DefaultService       = "service-bia"
	DefaultFamily        = "task-def-bia"
	DefaultRepository    = "bia"
	DefaultContainer     = "bia"
	DefaultTimeout       = 15 * time.Minute
	DefaultCatalogLimit  = 10
	DeployVersionEnvName = "DEPLOY_VERSION"
)

// Config carries every name a deploy needs. It is constructed once at
// invocation start and passed by value into each component; nothing in
// this package reads ambient global state.
type Config struct {
	Region       string
	Profile      string
	Cluster      string
	Service      string
	Family       string
	Repository   string
	Container    string
	DesiredCount *int64
	Timeout      time.Duration
	BuildArgs    map[string]string
	AssumeYes    bool
}

// Validate rejects configurations that cannot identify a service to act on.
func (c Config) Validate() error {
	switch {
	case c.Cluster == "":
		return fmt.Errorf("cluster name is required")
	case c.Service == "":
		return fmt.Errorf("service name is required")
	case c.Family == "":
		return fmt.Errorf("task family is required")
	case c.Repository == "":
		return fmt.Errorf("repository name is required")
	case c.Container == "":
		return fmt.Errorf("container name is required")
	}
	return nil
}
