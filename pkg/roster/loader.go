package roster

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/quorumworks/council/pkg/contracts"
)

// SchemaConstraint is the semver range of roster file schemas this
// build can load.
const SchemaConstraint = ">= 1.0.0, < 2.0.0"

// File is the on-disk roster document.
type File struct {
	SchemaVersion string      `yaml:"schema_version"`
	GroupMinimum  int         `yaml:"group_minimum,omitempty"`
	Agents        []FileAgent `yaml:"agents"`
}

// FileAgent is one roster entry in the YAML document.
type FileAgent struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Group    string `yaml:"group"`
	Provider string `yaml:"provider"`
	Active   *bool  `yaml:"active,omitempty"` // default true

	// Endpoint is the provider's vote endpoint. APIKeyEnv names the
	// environment variable holding its credential; the key itself
	// never appears in the roster file.
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// Load reads a roster YAML file and builds a Registry from it.
func Load(path string, opts ...Option) (*Registry, error) {
	file, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return file.Registry(opts...)
}

// ReadFile reads and schema-checks a roster document without building
// a registry, so callers can also wire provider backends from it.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: load %q: %w", path, err)
	}
	return parseFile(data)
}

// Parse builds a Registry from roster YAML bytes.
func Parse(data []byte, opts ...Option) (*Registry, error) {
	file, err := parseFile(data)
	if err != nil {
		return nil, err
	}
	return file.Registry(opts...)
}

func parseFile(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("roster: parse: %w", err)
	}
	if err := checkSchemaVersion(file.SchemaVersion); err != nil {
		return nil, err
	}
	return &file, nil
}

// Registry builds a Registry from the document.
func (f *File) Registry(opts ...Option) (*Registry, error) {
	if f.GroupMinimum > 0 {
		opts = append(opts, WithGroupMinimum(f.GroupMinimum))
	}
	registry := NewRegistry(opts...)

	providersSeen := make(map[string]string, len(f.Agents))
	for _, entry := range f.Agents {
		if prev, dup := providersSeen[entry.Provider]; dup {
			return nil, fmt.Errorf("roster: provider %q backs both %q and %q; providers must be distinct", entry.Provider, prev, entry.ID)
		}
		providersSeen[entry.Provider] = entry.ID

		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		agent := contracts.Agent{
			ID:       entry.ID,
			Name:     entry.Name,
			Group:    contracts.RoleGroup(entry.Group),
			Provider: entry.Provider,
			Active:   active,
		}
		if err := registry.Register(agent); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func checkSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("roster: schema_version is required")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("roster: invalid schema_version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return fmt.Errorf("roster: bad schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("roster: schema_version %s outside supported range %q", version, SchemaConstraint)
	}
	return nil
}
