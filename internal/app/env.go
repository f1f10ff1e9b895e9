package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileVar names an explicit .env path that takes precedence over the search
const EnvFileVar = "POWER_ENV_FILE"

// envCandidates lists where a .env may live, nearest first
func envCandidates() []string {
	var paths []string
	if explicit := os.Getenv(EnvFileVar); explicit != "" {
		paths = append(paths, explicit)
	}
	paths = append(paths, ".env", "../../.env")

	if dir, err := os.Getwd(); err == nil {
		for i := 0; i < 3; i++ {
			paths = append(paths, filepath.Join(dir, ".env"))
			dir = filepath.Dir(dir)
		}
	}
	return paths
}

// LoadEnv loads the first readable .env and returns its absolute path.
// An empty result is fine: containers pass configuration through the environment.
func LoadEnv() string {
	for _, path := range envCandidates() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			continue
		}
		abs, _ := filepath.Abs(path)
		fmt.Printf("Loaded environment from: %s\n", abs)
		return abs
	}

	fmt.Println("No .env file found, using system environment variables")
	return ""
}
