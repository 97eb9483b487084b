// Package config provides configuration loading and management for the
// registry server. The catalog of scopes and packages is loaded once at
// startup and handed to the registry by value; there is no ambient global
// configuration state.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddress is the listen address used when none is configured.
	DefaultAddress = ":8080"

	// DefaultManifestFile is the manifest file name assumed when a package
	// does not name its own.
	DefaultManifestFile = "package.yaml"

	// defaultStorageDir is the directory under the XDG data home holding
	// checkouts and archives when no storage root is configured.
	defaultStorageDir = "scm-registry"
)

// Option defines the interface for configuration loader options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// RegistryName is the name/identifier for this registry instance
	// Defaults to "default" if not specified
	RegistryName string `yaml:"registryName,omitempty"`

	// Address is the HTTP listen address
	Address string `yaml:"address,omitempty"`

	// Storage configures the on-disk root for checkouts and archives
	Storage StorageConfig `yaml:"storage,omitempty"`

	// Git configures the external version-control tool
	Git GitConfig `yaml:"git,omitempty"`

	// Scopes is the catalog of package scopes served by this registry
	Scopes []ScopeConfig `yaml:"scopes"`
}

// StorageConfig defines where per-repository checkouts and the shared
// archive cache live
type StorageConfig struct {
	// Root is the directory under which checkouts/ and archives/ are
	// created on first use. Defaults to the XDG data home.
	Root string `yaml:"root,omitempty"`
}

// GitConfig defines external git tool settings
type GitConfig struct {
	// Binary is the git executable name or path. Defaults to "git".
	Binary string `yaml:"binary,omitempty"`
}

// ScopeConfig defines one scope and the packages grouped under it
type ScopeConfig struct {
	// Name is the scope identifier, unique within the registry
	Name string `yaml:"name"`

	// Packages are the packages published under this scope
	Packages []PackageConfig `yaml:"packages"`
}

// PackageConfig defines a single package backed by a remote repository
type PackageConfig struct {
	// Name is the package identifier, unique within its scope
	Name string `yaml:"name"`

	// Repository is the remote repository URL backing the package
	Repository string `yaml:"repository"`

	// Path is the package root within the repository; empty for
	// single-package repositories
	Path string `yaml:"path,omitempty"`

	// Manifest is the manifest file name relative to Path.
	// Defaults to package.yaml.
	Manifest string `yaml:"manifest,omitempty"`
}

// Load reads, defaults and validates a configuration.
func Load(opts ...Option) (*Config, error) {
	loader := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loader); err != nil {
			return nil, err
		}
	}
	if loader.path == "" {
		return nil, fmt.Errorf("no configuration source provided")
	}

	data, err := os.ReadFile(loader.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RegistryName == "" {
		c.RegistryName = "default"
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Storage.Root == "" {
		c.Storage.Root = filepath.Join(xdg.DataHome, defaultStorageDir)
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	for i := range c.Scopes {
		for j := range c.Scopes[i].Packages {
			if c.Scopes[i].Packages[j].Manifest == "" {
				c.Scopes[i].Packages[j].Manifest = DefaultManifestFile
			}
		}
	}
}

// Validate checks the configuration for consistency: unique scope and
// package names, parseable repository URLs and local package paths.
func (c *Config) Validate() error {
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}

	seenScopes := make(map[string]bool, len(c.Scopes))
	for _, scope := range c.Scopes {
		if scope.Name == "" {
			return fmt.Errorf("scope name cannot be empty")
		}
		if seenScopes[scope.Name] {
			return fmt.Errorf("duplicate scope: %s", scope.Name)
		}
		seenScopes[scope.Name] = true

		if len(scope.Packages) == 0 {
			return fmt.Errorf("scope %s has no packages", scope.Name)
		}

		seenPackages := make(map[string]bool, len(scope.Packages))
		for _, pkg := range scope.Packages {
			if err := validatePackage(scope.Name, pkg); err != nil {
				return err
			}
			if seenPackages[pkg.Name] {
				return fmt.Errorf("duplicate package %s in scope %s", pkg.Name, scope.Name)
			}
			seenPackages[pkg.Name] = true
		}
	}
	return nil
}

func validatePackage(scope string, pkg PackageConfig) error {
	if pkg.Name == "" {
		return fmt.Errorf("package name cannot be empty in scope %s", scope)
	}

	u, err := url.Parse(pkg.Repository)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("package %s/%s has an invalid repository URL: %q", scope, pkg.Name, pkg.Repository)
	}

	if pkg.Path != "" && (!filepath.IsLocal(pkg.Path) || filepath.IsAbs(pkg.Path)) {
		return fmt.Errorf("package %s/%s path must be a relative path within the repository", scope, pkg.Name)
	}
	return nil
}
