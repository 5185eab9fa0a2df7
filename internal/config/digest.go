package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Digest returns "blake3:<hex>" of the raw config file at configPath, so a
// running service can be matched to the file it was started with.
func Digest(configPath string) (string, error) {
	path, err := resolveConfigFile(configPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
