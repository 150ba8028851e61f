package exec

import (
	"strings"
	"testing"
)

func TestValidateMCPCommandRejectsBlocked(t *testing.T) {
	_, err := ValidateMCPCommand("rm", []string{"-rf", "/"})
	if err == nil {
		t.Error("expected rm to be rejected")
	}
}

func TestValidateMCPCommandRejectsNotAllowlisted(t *testing.T) {
	_, err := ValidateMCPCommand("cat", nil)
	if err == nil {
		t.Error("expected cat to be rejected: not in the allowed set")
	}
}

func TestValidateMCPCommandAcceptsAllowlisted(t *testing.T) {
	resolved, err := ValidateMCPCommand("python3", []string{"-m", "myserver"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved == "" {
		t.Error("expected a resolved path")
	}
}

func TestValidateMCPCommandRejectsShellMetacharInArgs(t *testing.T) {
	_, err := ValidateMCPCommand("node", []string{"server.js;", "rm -rf /"})
	if err == nil {
		t.Error("expected rejection of an argument containing a shell metacharacter")
	}
}

func TestBuildMCPEnvironmentDoesNotInheritArbitraryVars(t *testing.T) {
	t.Setenv("THERESE_TEST_SECRET", "leaked-if-present")
	t.Setenv("PATH", "/usr/bin")

	env := BuildMCPEnvironment(map[string]string{"FOO": "bar"})

	for _, kv := range env {
		if strings.HasPrefix(kv, "THERESE_TEST_SECRET=") {
			t.Error("environment must not inherit arbitrary host variables")
		}
	}

	hasPath, hasFoo := false, false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		if kv == "FOO=bar" {
			hasFoo = true
		}
	}
	if !hasPath {
		t.Error("expected PATH to be whitelisted through")
	}
	if !hasFoo {
		t.Error("expected declared env to be merged in")
	}
}
