package config

import (
	"os"
	"path/filepath"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".rasd"), nil
}

func GetProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up directory tree to find .rasd or .git directory
	dir := wd
	for {
		rasdDir := filepath.Join(dir, ".rasd")
		if _, err := os.Stat(rasdDir); err == nil {
			return dir, nil
		}

		gitDir := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitDir); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root directory, use current working directory
			return wd, nil
		}
		dir = parent
	}
}

func EnsureConfigDirs(userConfigDir, projectDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}

	projectConfigDir := filepath.Join(projectDir, ".rasd")
	if err := os.MkdirAll(projectConfigDir, 0755); err != nil {
		return err
	}

	return nil
}
