package artifact

import (
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

// HashFile computes the SHA-256 digest of the file at path.
func HashFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d, nil
}
