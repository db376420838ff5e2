package responder

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// DefaultRole is used when a request names no role or a role the kind does not define.
const DefaultRole = "default"

// Catalog lists the responder kinds and roles available for delegation.
type Catalog struct {
	Kinds map[string]KindSpec `yaml:"kinds"`
}

// KindSpec describes one responder kind.
type KindSpec struct {
	Description  string              `yaml:"description"`
	Backend      string              `yaml:"backend"`
	Model        string              `yaml:"model"`
	Agent        string              `yaml:"agent"`
	Tools        string              `yaml:"tools"`
	Direct       bool                `yaml:"direct"`
	Instructions string              `yaml:"instructions"`
	Deps         map[string]string   `yaml:"deps"`
	Roles        map[string]RoleSpec `yaml:"roles"`
}

// RoleSpec specializes a kind.
type RoleSpec struct {
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`
}

// LoadCatalog reads the catalog at path, or the embedded one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := embeddedCatalog
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read responder catalog: %w", err)
		}
		data = raw
	}

	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("decode responder catalog: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Catalog) validate() error {
	if len(c.Kinds) == 0 {
		return errors.New("responder catalog defines no kinds")
	}

	var errs []error
	for name, kind := range c.Kinds {
		if len(kind.Roles) == 0 {
			errs = append(errs, fmt.Errorf("kind %s defines no roles", name))
		}
		if kind.Direct {
			continue
		}
		switch kind.Backend {
		case "openai", "fantasy", "opencode":
		default:
			errs = append(errs, fmt.Errorf("kind %s: unsupported backend %q", name, kind.Backend))
		}
		if kind.Tools != "" && kind.Tools != "repository" {
			errs = append(errs, fmt.Errorf("kind %s: unknown tool set %q", name, kind.Tools))
		}
		if kind.Tools != "" && kind.Backend != "fantasy" {
			errs = append(errs, fmt.Errorf("kind %s: tools need the fantasy backend", name))
		}
	}
	return errors.Join(errs...)
}

// lookup returns the kind and the effective role name.
func (c *Catalog) lookup(kind, role string) (KindSpec, string, bool) {
	spec, ok := c.Kinds[kind]
	if !ok {
		return KindSpec{}, "", false
	}
	if role == "" {
		role = DefaultRole
	}
	if _, ok := spec.Roles[role]; ok {
		return spec, role, true
	}
	if _, ok := spec.Roles[DefaultRole]; ok {
		return spec, DefaultRole, true
	}
	return KindSpec{}, "", false
}

// InstructionsFor joins the kind's base instructions with the role's.
func (k KindSpec) InstructionsFor(role string) string {
	parts := make([]string, 0, 2)
	if base := strings.TrimSpace(k.Instructions); base != "" {
		parts = append(parts, base)
	}
	if extra := strings.TrimSpace(k.Roles[role].Instructions); extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, "\n\n")
}

// Guide renders the catalog for the dispatch router, one line per kind/role.
func (c *Catalog) Guide() string {
	kinds := make([]string, 0, len(c.Kinds))
	for name := range c.Kinds {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)

	var b strings.Builder
	for _, name := range kinds {
		kind := c.Kinds[name]
		fmt.Fprintf(&b, "- kind %q: %s\n", name, strings.TrimSpace(kind.Description))

		roles := make([]string, 0, len(kind.Roles))
		for role := range kind.Roles {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Fprintf(&b, "  - role %q: %s\n", role, strings.TrimSpace(kind.Roles[role].Description))
		}
	}
	return b.String()
}
