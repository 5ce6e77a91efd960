package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// DotenvName is the file looked up by FindDotenv.
const DotenvName = ".env"

// FindDotenv walks from dir up to the filesystem root and returns the first
// .env file found, or "" when there is none.
func FindDotenv(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		p := filepath.Join(dir, DotenvName)
		st, err := os.Stat(p)
		switch {
		case err == nil && !st.IsDir():
			return p, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// LoadDotenv seeds the process environment from a .env file. Variables that
// are already set are never overridden.
//
// With explicit != "" that file must exist. Otherwise the nearest .env above
// the working directory is used, and having none is not an error. The path
// actually loaded is returned ("" when nothing was loaded).
func LoadDotenv(explicit string) (string, error) {
	path := explicit
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		path, err = FindDotenv(wd)
		if err != nil {
			return "", err
		}
		if path == "" {
			return "", nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	return path, nil
}
