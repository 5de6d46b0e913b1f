// Package support holds the godog step definitions of the CLI integration
// suite. Commands run in-process against a fresh command tree per step.
package support

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/pipeline"
	"github.com/MeKo-Tech/tracksfm/internal/server"
	"github.com/MeKo-Tech/tracksfm/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	// Command execution state
	LastCommand  string
	LastOutput   string
	LastError    error
	LastExitCode int
	LastDuration time.Duration

	// Test environment
	TempDir string
	EnvVars map[string]string

	// Dataset under test
	Scene      *testutil.Scene
	DatasetDir string

	// Monitoring server state
	Server     *server.Server
	HTTPServer *httptest.Server
	RunResult  *pipeline.Result
	RunError   error
	registry   *prometheus.Registry

	// HTTP response state
	LastHTTPStatusCode int
	LastHTTPResponse   string
	LastHTTPHeaders    map[string]string
}

// NewTestContext creates a new test context with its own temp directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "tracksfm-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &TestContext{
		TempDir: tempDir,
		EnvVars: map[string]string{},
	}, nil
}

// Cleanup stops the server and removes the temp directory.
func (testCtx *TestContext) Cleanup() error {
	var errs []error
	if testCtx.HTTPServer != nil {
		testCtx.HTTPServer.Close()
		testCtx.HTTPServer = nil
	}
	if testCtx.Server != nil {
		if err := testCtx.Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
		}
		testCtx.Server = nil
	}
	if err := os.RemoveAll(testCtx.TempDir); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove temp directory %s: %w", testCtx.TempDir, err))
	}
	return errors.Join(errs...)
}

// AddEnvVar sets an environment variable for the following commands.
func (testCtx *TestContext) AddEnvVar(name, value string) {
	testCtx.EnvVars[name] = value
}

// Path resolves a scenario-relative path inside the temp directory.
func (testCtx *TestContext) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(testCtx.TempDir, name)
}

// substituteCommandVariables replaces {dataset} and {tmp} placeholders.
func (testCtx *TestContext) substituteCommandVariables(command string) string {
	return strings.NewReplacer(
		"{dataset}", testCtx.DatasetDir,
		"{tmp}", testCtx.TempDir,
	).Replace(command)
}
