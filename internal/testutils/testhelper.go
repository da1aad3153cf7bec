package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// TempFile returns a path inside a per-test temporary directory.
func (h *TestHelper) TempFile(name string) string {
	return filepath.Join(h.T.TempDir(), name)
}

// WriteFile writes content to a per-test temporary file and returns its path.
func (h *TestHelper) WriteFile(name, content string) string {
	path := h.TempFile(name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		panic(fmt.Sprintf("failed to write %s: %v", path, err))
	}
	return path
}
