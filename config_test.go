package bia

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Cluster:    DefaultCluster,
		Service:    DefaultService,
		Family:     DefaultFamily,
		Repository: DefaultRepository,
		Container:  DefaultContainer,
	}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}

	for _, clear := range []func(*Config){
		func(c *Config) { c.Cluster = "" },
		func(c *Config) { c.Service = "" },
		func(c *Config) { c.Family = "" },
		func(c *Config) { c.Repository = "" },
		func(c *Config) { c.Container = "" },
	} {
		c := valid
		clear(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%+v passed validation", c)
		}
	}
}
