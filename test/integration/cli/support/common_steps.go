package support

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MeKo-Tech/tracksfm/cmd/tracksfm/cmd"
	"github.com/cucumber/godog"
)

// iRunCommand executes a tracksfm command line in-process and stores the result.
func (testCtx *TestContext) iRunCommand(command string) error {
	command = testCtx.substituteCommandVariables(command)
	testCtx.LastCommand = command

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return errors.New("empty command")
	}
	if parts[0] != "tracksfm" {
		return fmt.Errorf("unsupported command %q", parts[0])
	}

	restore, err := testCtx.enterEnvironment()
	if err != nil {
		return err
	}
	defer restore()

	root := cmd.NewRootCommand()
	var output bytes.Buffer
	root.SetOut(&output)
	root.SetErr(&output)
	root.SetArgs(parts[1:])

	start := time.Now()
	err = root.Execute()
	testCtx.LastDuration = time.Since(start)
	testCtx.LastOutput = output.String()
	testCtx.LastError = err
	if err != nil {
		testCtx.LastExitCode = 1
	} else {
		testCtx.LastExitCode = 0
	}
	return nil
}

// enterEnvironment switches into the scenario's directory and environment:
// no inherited TRACKSFM_ variables, HOME in the temp directory, and the
// scenario's own variables set. The returned func undoes all of it.
func (testCtx *TestContext) enterEnvironment() (func(), error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	saved := map[string]*string{}
	set := func(key, value string, unset bool) {
		if _, done := saved[key]; !done {
			if old, ok := os.LookupEnv(key); ok {
				saved[key] = &old
			} else {
				saved[key] = nil
			}
		}
		if unset {
			_ = os.Unsetenv(key)
		} else {
			_ = os.Setenv(key, value)
		}
	}

	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(key, "TRACKSFM_") {
			set(key, "", true)
		}
	}
	set("HOME", testCtx.TempDir, false)
	set("XDG_CONFIG_HOME", testCtx.Path(".config"), false)
	for k, v := range testCtx.EnvVars {
		set(k, v, false)
	}

	if err := os.Chdir(testCtx.TempDir); err != nil {
		return nil, err
	}

	return func() {
		_ = os.Chdir(wd)
		for k, v := range saved {
			if v == nil {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, *v)
			}
		}
	}, nil
}

// theCommandShouldSucceed verifies the command succeeded.
func (testCtx *TestContext) theCommandShouldSucceed() error {
	if testCtx.LastExitCode != 0 {
		return fmt.Errorf("command failed with exit code %d: %w\nOutput: %s",
			testCtx.LastExitCode, testCtx.LastError, testCtx.LastOutput)
	}
	return nil
}

// theCommandShouldFail verifies the command failed.
func (testCtx *TestContext) theCommandShouldFail() error {
	if testCtx.LastExitCode == 0 {
		return fmt.Errorf("command succeeded when it should have failed\nOutput: %s", testCtx.LastOutput)
	}
	return nil
}

// theOutputShouldContain verifies the output contains specific text.
func (testCtx *TestContext) theOutputShouldContain(expectedText string) error {
	expectedText = testCtx.substituteCommandVariables(expectedText)
	if !strings.Contains(testCtx.LastOutput, expectedText) {
		return fmt.Errorf("output does not contain '%s'\nActual output: %s", expectedText, testCtx.LastOutput)
	}
	return nil
}

func (testCtx *TestContext) theOutputShouldNotContain(text string) error {
	if strings.Contains(testCtx.LastOutput, text) {
		return fmt.Errorf("output unexpectedly contains '%s'\nActual output: %s", text, testCtx.LastOutput)
	}
	return nil
}

// theErrorShouldMention verifies the error message contains specific text.
func (testCtx *TestContext) theErrorShouldMention(errorText string) error {
	if testCtx.LastError == nil {
		return fmt.Errorf("no error occurred, but expected error containing '%s'", errorText)
	}
	full := testCtx.LastOutput + " " + testCtx.LastError.Error()
	if !strings.Contains(strings.ToLower(full), strings.ToLower(errorText)) {
		return fmt.Errorf("error does not contain '%s'\nActual error: %s", errorText, full)
	}
	return nil
}

func (testCtx *TestContext) theEnvironmentVariableIsSetTo(name, value string) error {
	testCtx.AddEnvVar(name, value)
	return nil
}

// aConfigFileWith writes tracksfm.yaml into the scenario directory.
func (testCtx *TestContext) aConfigFileWith(content *godog.DocString) error {
	return os.WriteFile(testCtx.Path("tracksfm.yaml"), []byte(content.Content), 0o600)
}

func (testCtx *TestContext) theFileShouldExist(filename string) error {
	path := testCtx.Path(filename)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file %s does not exist: %w", path, err)
	}
	return nil
}

func (testCtx *TestContext) theFileShouldNotExist(filename string) error {
	path := testCtx.Path(filename)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("file %s exists", path)
	}
	return nil
}

func (testCtx *TestContext) theFileShouldContain(filename, expected string) error {
	data, err := os.ReadFile(testCtx.Path(filename))
	if err != nil {
		return err
	}
	if !strings.Contains(string(data), expected) {
		return fmt.Errorf("file %s does not contain '%s'\nContent: %s", filename, expected, data)
	}
	return nil
}

// RegisterCommonSteps registers command, output and file steps.
func (testCtx *TestContext) RegisterCommonSteps(sc *godog.ScenarioContext) {
	sc.Step(`^I run "([^"]*)"$`, testCtx.iRunCommand)
	sc.Step(`^the command should succeed$`, testCtx.theCommandShouldSucceed)
	sc.Step(`^the command should fail$`, testCtx.theCommandShouldFail)
	sc.Step(`^the output should contain "([^"]*)"$`, testCtx.theOutputShouldContain)
	sc.Step(`^the output should not contain "([^"]*)"$`, testCtx.theOutputShouldNotContain)
	sc.Step(`^the error should mention "([^"]*)"$`, testCtx.theErrorShouldMention)
	sc.Step(`^the environment variable "([^"]*)" is set to "([^"]*)"$`, testCtx.theEnvironmentVariableIsSetTo)
	sc.Step(`^a config file with:$`, testCtx.aConfigFileWith)
	sc.Step(`^the file "([^"]*)" should exist$`, testCtx.theFileShouldExist)
	sc.Step(`^the file "([^"]*)" should not exist$`, testCtx.theFileShouldNotExist)
	sc.Step(`^the file "([^"]*)" should contain "([^"]*)"$`, testCtx.theFileShouldContain)
}
