package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads variables from an env file into the process environment.
// A missing file is fine; deployments without one rely on the real
// environment.
func LoadEnv(path string) error {
	if path == "" {
		return errors.New("env file path is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
