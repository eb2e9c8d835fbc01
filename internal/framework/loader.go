package framework

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadDir reads every YAML framework definition in dir. A missing directory
// yields an empty set; files that fail to parse are skipped with a warning
// so one broken definition cannot take the server down.
func LoadDir(dir string, logger *zap.Logger) ([]*Framework, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read framework directory: %w", err)
	}

	var out []*Framework
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable framework file", zap.String("path", path), zap.Error(err))
			continue
		}
		var fw Framework
		if err := yaml.Unmarshal(data, &fw); err != nil {
			logger.Warn("skipping broken framework file", zap.String("path", path), zap.Error(err))
			continue
		}
		if fw.ID == "" {
			logger.Warn("skipping framework without id", zap.String("path", path))
			continue
		}
		out = append(out, &fw)
	}
	return out, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
