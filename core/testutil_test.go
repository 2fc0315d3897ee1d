package core

import (
	"os"
	"testing"
)

// writeJSONFile is a small shared helper for tests that need a raw,
// hand-written JSON fixture on disk (e.g. to probe unknown-field rejection).
func writeJSONFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
}
