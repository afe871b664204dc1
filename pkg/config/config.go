package config

import (
	"fmt"
	"log"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the provider configuration document. It declares the
// available LLM and music providers and the route tables mapping task
// names to provider keys.
type Config struct {
	LLM   Section `yaml:"llm" json:"llm"`
	Music Section `yaml:"music" json:"music"`
}

type Section struct {
	Providers []Provider        `yaml:"providers" json:"providers"`
	Router    map[string]string `yaml:"router" json:"router"`
}

// Provider declares one provider with zero or more model variants.
type Provider struct {
	Name    string  `yaml:"name" json:"name"`
	Type    string  `yaml:"type" json:"type"`
	Label   string  `yaml:"label,omitempty" json:"label,omitempty"`
	BaseURL string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey  string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	// MaxDuration caps request durations for this provider's models,
	// in seconds. A model-level value takes priority.
	MaxDuration float64 `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	Models      []Model `yaml:"models" json:"models"`
}

// Model is a single model entry. A model-level label takes priority
// over the provider-level one.
type Model struct {
	Name        string            `yaml:"name" json:"name"`
	ModelID     string            `yaml:"model_id,omitempty" json:"model_id,omitempty"`
	Label       string            `yaml:"label,omitempty" json:"label,omitempty"`
	MaxDuration float64           `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	Kwargs      map[string]string `yaml:"model_kwargs,omitempty" json:"model_kwargs,omitempty"`
}

// UnmarshalYAML accepts both a bare model name string and a full
// mapping entry.
func (m *Model) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		m.Name = name
		return nil
	}
	type plain Model
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = Model(p)
	return nil
}

var envRe = regexp.MustCompile(`\$\{(\w+)\}`)

func resolveEnv(s string) string {
	return envRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envRe.FindStringSubmatch(match)[1]
		v := os.Getenv(name)
		if v == "" {
			log.Printf("config: environment variable %s is not set\n", name)
		}
		return v
	})
}

func (c *Config) resolve() {
	for _, section := range []*Section{&c.LLM, &c.Music} {
		for i := range section.Providers {
			p := &section.Providers[i]
			p.BaseURL = resolveEnv(p.BaseURL)
			p.APIKey = resolveEnv(p.APIKey)
			for j, m := range p.Models {
				for k, v := range m.Kwargs {
					p.Models[j].Kwargs[k] = resolveEnv(v)
				}
			}
		}
	}
}

// Load reads the provider configuration from a YAML file and resolves
// ${ENV} placeholders in credential and endpoint fields. A missing
// file yields an empty configuration.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: couldn't read %q: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a provider configuration document.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: couldn't parse yaml: %w", err)
	}
	c.resolve()
	return &c, nil
}

// Save writes the configuration back to disk. Placeholders are not
// re-inserted, so Save should only be used with documents that were
// edited, not env-resolved.
func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: couldn't marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("config: couldn't write %q: %w", path, err)
	}
	return nil
}
