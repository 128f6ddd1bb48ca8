package plugin

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes the manifest bytes followed by the entrypoint file contents.
func Fingerprint(manifest []byte, entrypointPath string) (string, error) {
	h := blake3.New()
	if _, err := h.Write(manifest); err != nil {
		return "", err
	}

	f, err := os.Open(entrypointPath)
	if err != nil {
		return "", fmt.Errorf("failed to open entrypoint: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash entrypoint: %w", err)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}
