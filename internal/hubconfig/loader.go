// Package hubconfig loads the hub's backend configuration file (SPEC_FULL.md
// §2.3) and watches it for changes, diffing against the previously loaded
// set so the caller can push incremental Add/Remove calls onto a
// connection.Manager instead of tearing everything down on every edit.
package hubconfig

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/musterhub/hub/internal/hub"
)

// File is the top-level shape of the backend configuration file.
type File struct {
	Backends map[string]hub.BackendConfig `yaml:"backends"`
}

var credentialRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a backend configuration file, substituting
// ${NAME} references in command/args/env/headers/url through resolver,
// grounded on the teacher's internal/config/loader.go LoadConfig structure
// (read file, yaml.Unmarshal, post-process) but resolving through the
// injected CredentialProvider interface instead of that file's
// filesystem-specific resolveSecretFiles, since this hub never touches a
// credential store directly (spec.md's CredentialProvider boundary).
func Load(path string, resolver hub.CredentialProvider) ([]hub.BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backend config %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing backend config %s: %w", path, err)
	}

	names := make([]string, 0, len(f.Backends))
	for name := range f.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]hub.BackendConfig, 0, len(names))
	for _, name := range names {
		cfg := f.Backends[name]
		cfg.Name = name
		if err := substitute(&cfg, resolver); err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func validate(cfg hub.BackendConfig) error {
	switch cfg.Transport {
	case hub.TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("stdio backend requires a command")
		}
	case hub.TransportHTTPSSE, hub.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("%s backend requires a url", cfg.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return nil
}

func substitute(cfg *hub.BackendConfig, resolver hub.CredentialProvider) error {
	var err error
	if cfg.Command, err = expand(cfg.Command, resolver); err != nil {
		return err
	}
	if cfg.URL, err = expand(cfg.URL, resolver); err != nil {
		return err
	}
	for i, a := range cfg.Args {
		if cfg.Args[i], err = expand(a, resolver); err != nil {
			return err
		}
	}
	for k, v := range cfg.Env {
		if cfg.Env[k], err = expand(v, resolver); err != nil {
			return err
		}
	}
	for k, v := range cfg.Headers {
		if cfg.Headers[k], err = expand(v, resolver); err != nil {
			return err
		}
	}
	return nil
}

func expand(s string, resolver hub.CredentialProvider) (string, error) {
	if s == "" || !credentialRefPattern.MatchString(s) {
		return s, nil
	}
	var outErr error
	result := credentialRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := credentialRefPattern.FindStringSubmatch(match)[1]
		val, err := resolver.Resolve(context.Background(), name)
		if err != nil {
			outErr = fmt.Errorf("resolving credential %q: %w", name, err)
			return match
		}
		return val
	})
	if outErr != nil {
		return "", outErr
	}
	return result, nil
}
