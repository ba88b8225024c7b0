package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default services file names, tried in order from the working directory
// when neither --config nor KITTENGRID_CONFIG_PATH is set.
var defaultServicePaths = []string{"kittengrid.yml", "kittengrid.yaml"}

// HealthCheckSpec configures HTTP probing of a service. Interval, Timeout
// and Retries follow the services file convention of whole seconds.
type HealthCheckSpec struct {
	Interval int    `yaml:"interval" validate:"gt=0"`
	Timeout  int    `yaml:"timeout" validate:"gt=0"`
	Retries  int    `yaml:"retries" validate:"gt=0"`
	Path     string `yaml:"path" validate:"required,startswith=/"`
}

// IntervalDuration returns the probe interval as a time.Duration.
func (h *HealthCheckSpec) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// TimeoutDuration returns the per-probe timeout as a time.Duration.
func (h *HealthCheckSpec) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// ServiceSpec is one declared service. Immutable after Load.
type ServiceSpec struct {
	Name        string            `yaml:"name" validate:"required"`
	Cmd         string            `yaml:"cmd"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Port        int               `yaml:"port" validate:"required,gt=0,lte=65535"`
	HealthCheck *HealthCheckSpec  `yaml:"health_check"`
}

// Command returns the executable to spawn: cmd if set, else the service
// name.
func (s *ServiceSpec) Command() string {
	if s.Cmd != "" {
		return s.Cmd
	}
	return s.Name
}

// ServicesFile is the top level of the kittengrid.yml services file.
type ServicesFile struct {
	Services []ServiceSpec `yaml:"services" validate:"required,min=1,dive"`
}

// ResolveServicesPath picks the services file path: the explicit flag value
// wins, then KITTENGRID_CONFIG_PATH, then the first default that exists.
func ResolveServicesPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("KITTENGRID_CONFIG_PATH"); v != "" {
		return v, nil
	}
	for _, p := range defaultServicePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no services file found (tried %v)", defaultServicePaths)
}

// Load reads and validates the services file. Any error here is fatal to
// the agent: a broken declaration must never start a partial fleet.
func Load(path string) (*ServicesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var f ServicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}

	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("validate services file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Services))
	ports := make(map[int]string, len(f.Services))
	for _, svc := range f.Services {
		if _, dup := seen[svc.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
		if prev, dup := ports[svc.Port]; dup {
			return nil, fmt.Errorf("service %q declares port %d already used by %q", svc.Name, svc.Port, prev)
		}
		ports[svc.Port] = svc.Name
	}

	return &f, nil
}
