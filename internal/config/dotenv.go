package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadDotEnv exports the KEY=VALUE pairs in path into the process
// environment so credentials (STERN_USERNAME, STERN_PASSWORD, webhook URLs)
// can live outside the YAML file. Variables already set in the environment
// win. A missing file is not an error.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("config: load %s: %w", path, err)
	}
	return true, nil
}
