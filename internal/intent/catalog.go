package intent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog declares the intents the model may choose from, the prompt that
// instructs it, and the fallback reply used when extraction degrades.
type Catalog struct {
	Instructions  string         `yaml:"instructions"`
	FallbackReply string         `yaml:"fallbackReply"`
	Intents       []IntentConfig `yaml:"intents"`
}

// IntentConfig describes one selectable intent to the model.
type IntentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(defaultCatalogYAML)
	if err != nil {
		// The embedded file is validated by tests; reaching this means a
		// broken build, not a runtime condition.
		panic(fmt.Sprintf("embedded intent catalog invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog from a YAML file, falling back to the
// embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent catalog: %w", err)
	}
	c, err := parseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse intent catalog %s: %w", path, err)
	}
	return c, nil
}

func parseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Instructions) == "" {
		return nil, fmt.Errorf("instructions are required")
	}
	if strings.TrimSpace(c.FallbackReply) == "" {
		return nil, fmt.Errorf("fallbackReply is required")
	}
	if len(c.Intents) == 0 {
		return nil, fmt.Errorf("at least one intent is required")
	}
	for i, ic := range c.Intents {
		if ic.Name == "" {
			return nil, fmt.Errorf("intents[%d]: name is required", i)
		}
	}
	return &c, nil
}

// SystemPrompt renders the instruction block sent as the system message.
func (c *Catalog) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.Instructions))
	b.WriteString("\n\nIntenções possíveis:\n")
	for _, ic := range c.Intents {
		b.WriteString("- ")
		b.WriteString(ic.Name)
		if ic.Description != "" {
			b.WriteString(": ")
			b.WriteString(ic.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
