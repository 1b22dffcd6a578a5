// Package config loads the jailer's configuration. Every field has a
// working default for a stock CloudPanel host; the file is optional and
// only overrides the fields it sets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rick001/cloudpanel-site-jailer/internal/discovery"
	"github.com/rick001/cloudpanel-site-jailer/internal/jail"
)

// DefaultPath is where the optional configuration file lives.
const DefaultPath = "/etc/sitejailer/config.yaml"

// Config selects the system locations and tools the jailer works with.
type Config struct {
	JailRoot         string   `yaml:"jail_root"`
	DatabasePath     string   `yaml:"database_path"`
	PasswdPath       string   `yaml:"passwd_path"`
	GroupPath        string   `yaml:"group_path"`
	FstabPath        string   `yaml:"fstab_path"`
	NormalShell      string   `yaml:"normal_shell"`
	ConfinedShell    string   `yaml:"confined_shell"`
	JailShell        string   `yaml:"jail_shell"`
	SkeletonTool     string   `yaml:"skeleton_tool"`
	SkeletonSections []string `yaml:"skeleton_sections"`
	AccountTool      string   `yaml:"account_tool"`
	StatePath        string   `yaml:"state_path"`
	AuditPath        string   `yaml:"audit_path"`
}

// Default returns the configuration for a stock CloudPanel host.
func Default() Config {
	return Config{
		JailRoot:         jail.DefaultJailRoot,
		DatabasePath:     discovery.DefaultDatabasePath,
		PasswdPath:       jail.DefaultPasswdPath,
		GroupPath:        jail.DefaultGroupPath,
		FstabPath:        jail.DefaultFstabPath,
		NormalShell:      jail.DefaultNormalShell,
		ConfinedShell:    jail.DefaultConfinedShell,
		JailShell:        jail.DefaultJailShell,
		SkeletonTool:     jail.DefaultSkeletonTool,
		SkeletonSections: append([]string(nil), jail.DefaultSkeletonSections...),
		AccountTool:      jail.DefaultAccountTool,
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// normal and yields the pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// JailConfig maps the file fields onto the jail manager configuration.
func (c Config) JailConfig() jail.Config {
	return jail.Config{
		JailRoot:         c.JailRoot,
		PasswdPath:       c.PasswdPath,
		GroupPath:        c.GroupPath,
		FstabPath:        c.FstabPath,
		NormalShell:      c.NormalShell,
		ConfinedShell:    c.ConfinedShell,
		JailShell:        c.JailShell,
		SkeletonTool:     c.SkeletonTool,
		SkeletonSections: c.SkeletonSections,
		AccountTool:      c.AccountTool,
		StatePath:        c.StatePath,
		AuditPath:        c.AuditPath,
	}
}
