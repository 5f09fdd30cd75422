package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Hash computes the BLAKE3 hash of the pipeline definition file. The
// hash is recorded with every run so a replayed run can be traced back
// to the exact definition that produced it.
func Hash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read pipeline definition: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash checks a definition file against an expected BLAKE3 hash.
// A mismatch means the definition changed since the run was recorded.
func VerifyHash(path, expected string) error {
	actual, err := Hash(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("pipeline definition hash mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
