package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/AssetsArt/nylon/internal/errors"
)

// maxDepth bounds recursive discovery under the proxy config directory.
const maxDepth = 10

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with environment values; unset variables are
// left as-is.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := strings.TrimSuffix(strings.TrimPrefix(string(match), "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		return match
	})
}

// ProxyFromFile parses one proxy config file.
func ProxyFromFile(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "read proxy config", err)
	}
	cfg := &ProxyConfig{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, errors.Newf(errors.KindConfig, "parse %s: %v", path, err)
	}
	return cfg, nil
}

// ProxyFromDir discovers every yaml file under dir (to depth 10), parses
// each, and merges them in path order.
func ProxyFromDir(dir string) (*ProxyConfig, error) {
	files, err := yamlFiles(dir, 0)
	if err != nil {
		return nil, err
	}
	merged := &ProxyConfig{}
	for _, file := range files {
		cfg, err := ProxyFromFile(file)
		if err != nil {
			return nil, err
		}
		merged.Merge(cfg)
	}
	return merged, nil
}

func yamlFiles(dir string, depth int) ([]string, error) {
	if depth > maxDepth {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "read config dir", err)
	}
	var files []string
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := yamlFiles(path, depth+1)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
	}
	return files, nil
}
