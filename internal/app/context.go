package app

import (
	"os"

	"dealline/internal/config"
)

// ResolveConfig loads dealline.yml from the workspace, falling back to
// the built-in defaults when the file is absent.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// WriteDefaultConfig materializes the default dealline.yml so it can
// be edited. Refuses to overwrite an existing file.
func WriteDefaultConfig(workspace string) (string, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, os.ErrExist
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
