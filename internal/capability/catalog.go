package capability

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerSpec is the catalog entry for one capability kind.
type ServerSpec struct {
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	// Credential names the stored per-user secret this server needs, if any.
	Credential string `yaml:"credential,omitempty"`
}

// Catalog maps capability kinds to the providers that serve them.
type Catalog struct {
	Servers map[Kind]ServerSpec `yaml:"servers"`
}

// DefaultCatalog returns the built-in provider settings.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Servers: map[Kind]ServerSpec{
			SourceControl: {
				Transport:  TransportStdio,
				Command:    "npx",
				Args:       []string{"-y", "@modelcontextprotocol/server-github"},
				Credential: "github",
			},
			Messaging: {
				Transport:  TransportStdio,
				Command:    "npx",
				Args:       []string{"-y", "@modelcontextprotocol/server-slack"},
				Credential: "slack",
			},
			TaskManagement: {
				Transport: TransportStdio,
				Command:   "agentcrewd",
				Args:      []string{"mcp"},
			},
			Analytics: {
				Transport:  TransportHTTP,
				URL:        "https://mcp.posthog.com/mcp",
				Credential: "posthog",
			},
			MediaGeneration: {
				Transport:  TransportStdio,
				Command:    "npx",
				Args:       []string{"-y", "replicate-mcp"},
				Credential: "replicate",
			},
			RepositoryAnalysis: {
				Transport: TransportHTTP,
				URL:       "https://gitmcp.io",
			},
		},
	}
}

// LoadCatalog reads a YAML catalog, layering it over the defaults.
// A missing file yields the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cat, nil
		}
		return nil, fmt.Errorf("reading capability catalog: %w", err)
	}
	var overlay Catalog
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing capability catalog: %w", err)
	}
	for kind, spec := range overlay.Servers {
		cat.Servers[kind] = spec
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capability catalog: %w", err)
	}
	return cat, nil
}

// SaveCatalog writes the catalog as YAML.
func SaveCatalog(path string, cat *Catalog) error {
	if err := cat.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating catalog dir: %w", err)
	}
	data, err := yaml.Marshal(cat)
	if err != nil {
		return fmt.Errorf("marshaling catalog: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that every entry names a known kind and a usable transport.
func (c *Catalog) Validate() error {
	for kind, spec := range c.Servers {
		if _, err := ParseKind(string(kind)); err != nil {
			return err
		}
		switch spec.Transport {
		case TransportStdio:
			if spec.Command == "" {
				return fmt.Errorf("%s: stdio server needs a command", kind)
			}
		case TransportHTTP:
			if spec.URL == "" {
				return fmt.Errorf("%s: http server needs a url", kind)
			}
		default:
			return fmt.Errorf("%s: invalid transport %q", kind, spec.Transport)
		}
	}
	return nil
}
