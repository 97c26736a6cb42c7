package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFiles copies KEY=VALUE lines from .env files in the working
// directory and the module root into the environment. Variables that are
// already set win.
func LoadEnvFiles() {
	cwd, err := os.Getwd()
	if err != nil {
		loadEnvFile(".env")
		return
	}

	paths := []string{filepath.Join(cwd, ".env")}
	if root := findModuleRoot(cwd); root != "" && root != cwd {
		paths = append(paths, filepath.Join(root, ".env"))
	}
	for _, path := range paths {
		loadEnvFile(path)
	}
}

func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
}

func findModuleRoot(start string) string {
	dir := start
	for range 6 {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
