package module

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/labdaq/daqd/internal/capability"
)

// catalogEntry is the declarative YAML shape of one module type's metadata:
// everything about a TypeDescriptor except its Runnable factory, which stays
// in Go since a run loop cannot be expressed declaratively.
//
// Grounded on the teacher's config/internal-runtime YAML business-policy
// catalogs: a flat, human-editable document describing a published
// contract, decoded with gopkg.in/yaml.v3 and merged into code-constructed
// behavior rather than driving it outright.
type catalogEntry struct {
	TypeID       string           `yaml:"type_id"`
	DisplayName  string           `yaml:"display_name"`
	Description  string           `yaml:"description"`
	Version      string           `yaml:"version"`
	RequiredRole []yamlRoleSpec   `yaml:"required_roles"`
	OptionalRole []yamlRoleSpec   `yaml:"optional_roles"`
	ParamCatalog []yamlParamSpec  `yaml:"parameters"`
	EventKinds   []string         `yaml:"event_kinds"`
	DataTypes    []string         `yaml:"data_types"`
}

type yamlRoleSpec struct {
	ID         string `yaml:"id"`
	Capability string `yaml:"capability"`
	Optional   bool   `yaml:"optional"`
}

type yamlParamSpec struct {
	Name        string   `yaml:"name"`
	Default     float64  `yaml:"default"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	Unit        string   `yaml:"unit"`
	Optional    bool     `yaml:"optional"`
	Description string   `yaml:"description"`
}

type catalogFile struct {
	Types []catalogEntry `yaml:"types"`
}

// LoadCatalog reads a YAML document of module type descriptors and returns
// them as TypeDescriptors, for documentation, validation, or a future
// config-driven registration path. It does not register any factory;
// callers still pair each returned descriptor with a Go Factory via
// TypeRegistry.RegisterType.
func LoadCatalog(path string) ([]TypeDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("module: read catalog %s: %w", path, err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("module: parse catalog %s: %w", path, err)
	}
	out := make([]TypeDescriptor, 0, len(cf.Types))
	for _, e := range cf.Types {
		out = append(out, e.toDescriptor())
	}
	return out, nil
}

func (e catalogEntry) toDescriptor() TypeDescriptor {
	return TypeDescriptor{
		TypeID:       e.TypeID,
		DisplayName:  e.DisplayName,
		Description:  e.Description,
		Version:      e.Version,
		RequiredRole: toRoleSpecs(e.RequiredRole),
		OptionalRole: toRoleSpecs(e.OptionalRole),
		ParamCatalog: toParamSpecs(e.ParamCatalog),
		EventKinds:   e.EventKinds,
		DataTypes:    e.DataTypes,
	}
}

func toRoleSpecs(in []yamlRoleSpec) []RoleSpec {
	out := make([]RoleSpec, 0, len(in))
	for _, r := range in {
		out = append(out, RoleSpec{ID: r.ID, Capability: capability.Tag(r.Capability), Optional: r.Optional})
	}
	return out
}

func toParamSpecs(in []yamlParamSpec) []ParamSpec {
	out := make([]ParamSpec, 0, len(in))
	for _, p := range in {
		spec := ParamSpec{Name: p.Name, Default: p.Default, Unit: p.Unit, Optional: p.Optional, Description: p.Description}
		if p.Min != nil && p.Max != nil {
			spec.HasRange = true
			spec.Min, spec.Max = *p.Min, *p.Max
		}
		out = append(out, spec)
	}
	return out
}
