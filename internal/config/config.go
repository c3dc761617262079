// Package config loads the gatekeeper/worker INI configuration file, the Go
// equivalent of master_config.py's ConfigParser wrapper: a [main] section of
// scalar settings plus one section per configured plugin.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

const mainSection = "main"

// Config wraps a loaded INI file and exposes typed getters scoped to [main],
// mirroring master_config.get/getint, plus the per-plugin section map
// returned by master_config.plugins().
type Config struct {
	file *ini.File
}

// Load reads and parses the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if !f.HasSection(mainSection) {
		return nil, fmt.Errorf("config: %s has no [main] section", path)
	}
	return &Config{file: f}, nil
}

// Get returns a string value from [main], or an error if the key is absent.
func (c *Config) Get(name string) (string, error) {
	key := c.file.Section(mainSection).Key(name)
	if key.Value() == "" && !c.file.Section(mainSection).HasKey(name) {
		return "", fmt.Errorf("config: [main] has no key %q", name)
	}
	return key.Value(), nil
}

// GetDefault returns a string value from [main], falling back to def if the
// key is absent.
func (c *Config) GetDefault(name, def string) string {
	return c.file.Section(mainSection).Key(name).MustString(def)
}

// GetInt returns an integer value from [main].
func (c *Config) GetInt(name string) (int, error) {
	v, err := c.file.Section(mainSection).Key(name).Int()
	if err != nil {
		return 0, fmt.Errorf("config: [main].%s: %w", name, err)
	}
	return v, nil
}

// GetIntDefault returns an integer value from [main], falling back to def.
func (c *Config) GetIntDefault(name string, def int) int {
	return c.file.Section(mainSection).Key(name).MustInt(def)
}

// GetBoolDefault returns a boolean value from [main], falling back to def.
func (c *Config) GetBoolDefault(name string, def bool) bool {
	return c.file.Section(mainSection).Key(name).MustBool(def)
}

// GetList splits a [main] value on commas, trimming whitespace, the
// equivalent of the Python side's frozenset(master_config.get('fastpings')).
func (c *Config) GetList(name string) []string {
	raw := c.GetDefault(name, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PluginConfig holds a configured plugin's section name, its Go handler
// identifier (library/name, mirroring the Python "modulename.classname"
// dotted path) and the raw key/value pairs of its INI section.
type PluginConfig struct {
	Section string
	Name    string
	Values  map[string]string
}

// Plugins returns every non-[main] section as a plugin configuration, the Go
// counterpart of master_config.plugins().
func (c *Config) Plugins() []PluginConfig {
	var out []PluginConfig
	for _, sec := range c.file.Sections() {
		name := sec.Name()
		if name == mainSection || name == ini.DefaultSection {
			continue
		}
		values := make(map[string]string)
		for _, key := range sec.Keys() {
			values[key.Name()] = key.Value()
		}
		out = append(out, PluginConfig{
			Section: name,
			Name:    values["name"],
			Values:  values,
		})
	}
	return out
}
