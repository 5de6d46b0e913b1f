package support

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/config"
	"github.com/MeKo-Tech/tracksfm/internal/pipeline"
	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/MeKo-Tech/tracksfm/internal/server"
	"github.com/cucumber/godog"
	"github.com/prometheus/client_golang/prometheus"
)

// aMonitoringServer starts the metrics and events server on an httptest listener.
func (testCtx *TestContext) aMonitoringServer() error {
	registry := prometheus.NewRegistry()
	testCtx.Server = server.NewServer(server.DefaultConfig(), registry)
	testCtx.HTTPServer = httptest.NewServer(testCtx.Server.Handler())
	testCtx.registry = registry
	return nil
}

// theDatasetIsReconstructedWhileMonitored runs the pipeline with the server
// observing it and sharing its registry.
func (testCtx *TestContext) theDatasetIsReconstructedWhileMonitored() error {
	if testCtx.Server == nil {
		return fmt.Errorf("no monitoring server started")
	}
	cfg := config.DefaultConfig()
	cfg.Output.File = ""

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	testCtx.RunResult, testCtx.RunError = pipeline.Run(ctx, &cfg, testCtx.DatasetDir, pipeline.Options{
		Registry:  testCtx.registry,
		Observers: []reconstruct.Observer{testCtx.Server},
	})
	return testCtx.RunError
}

func (testCtx *TestContext) iRequest(method, path string) error {
	if testCtx.HTTPServer == nil {
		return fmt.Errorf("no monitoring server started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, testCtx.HTTPServer.URL+path, nil)
	if err != nil {
		return err
	}
	resp, err := testCtx.HTTPServer.Client().Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	testCtx.LastHTTPStatusCode = resp.StatusCode
	testCtx.LastHTTPResponse = string(body)
	testCtx.LastHTTPHeaders = map[string]string{}
	for k := range resp.Header {
		testCtx.LastHTTPHeaders[k] = resp.Header.Get(k)
	}
	return nil
}

func (testCtx *TestContext) theResponseStatusShouldBe(code int) error {
	if testCtx.LastHTTPStatusCode != code {
		return fmt.Errorf("expected status %d, got %d\nBody: %s", code, testCtx.LastHTTPStatusCode, testCtx.LastHTTPResponse)
	}
	return nil
}

func (testCtx *TestContext) theResponseShouldContain(text string) error {
	if !strings.Contains(testCtx.LastHTTPResponse, text) {
		return fmt.Errorf("response does not contain '%s'\nBody: %s", text, testCtx.LastHTTPResponse)
	}
	return nil
}

func (testCtx *TestContext) theResponseHeaderShouldBe(name, value string) error {
	if got := testCtx.LastHTTPHeaders[http.CanonicalHeaderKey(name)]; got != value {
		return fmt.Errorf("expected header %s %q, got %q", name, value, got)
	}
	return nil
}

// RegisterServerSteps registers monitoring server steps.
func (testCtx *TestContext) RegisterServerSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a monitoring server$`, testCtx.aMonitoringServer)
	sc.Step(`^the dataset is reconstructed while monitored$`, testCtx.theDatasetIsReconstructedWhileMonitored)
	sc.Step(`^I request (GET|POST) "([^"]*)"$`, testCtx.iRequest)
	sc.Step(`^the response status should be (\d+)$`, testCtx.theResponseStatusShouldBe)
	sc.Step(`^the response should contain "([^"]*)"$`, testCtx.theResponseShouldContain)
	sc.Step(`^the response header "([^"]*)" should be "([^"]*)"$`, testCtx.theResponseHeaderShouldBe)
}
