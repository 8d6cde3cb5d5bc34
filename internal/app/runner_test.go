package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mpetrun5/txpilot/internal/chain"
	"github.com/mpetrun5/txpilot/internal/model"
	"github.com/mpetrun5/txpilot/internal/version"
)

// isolateEnvironment points XDG locations at temp dirs and blanks every
// variable the CLI reads, so runner tests never touch the real host.
func isolateEnvironment(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	for _, key := range []string{
		"TXPILOT_OUTPUT", "TXPILOT_VERBOSE", "TXPILOT_NETWORK", "TXPILOT_NETWORKS_PATH",
		"TXPILOT_GAS_MULTIPLIER", "TXPILOT_POLL_INTERVAL", "TXPILOT_RECEIPT_TIMEOUT",
		"TXPILOT_READ_CACHE_TTL", "TXPILOT_NO_HISTORY", "TXPILOT_HISTORY_PATH",
		"TXPILOT_HISTORY_LOCK_PATH", "TXPILOT_PRIVATE_KEY", "TXPILOT_PRIVATE_KEY_FILE",
		"TXPILOT_KEYSTORE_PATH", "TXPILOT_KEYSTORE_PASSWORD", "TXPILOT_KEYSTORE_PASSWORD_FILE",
	} {
		t.Setenv(key, "")
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	isolateEnvironment(t)
	var stdout, stderr bytes.Buffer
	runner := NewRunnerWithWriters(&stdout, &stderr)
	code := runner.Run(args)
	return code, stdout.String(), stderr.String()
}

func decodeEnvelope(t *testing.T, raw string) model.Envelope {
	t.Helper()
	var env model.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", raw, err)
	}
	return env
}

func TestRunnerVersionCommand(t *testing.T) {
	code, stdout, stderr := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr)
	}
	if strings.TrimSpace(stdout) != version.Version {
		t.Fatalf("expected version %q, got %q", version.Version, stdout)
	}
}

func TestRunnerNetworksList(t *testing.T) {
	code, stdout, stderr := runCLI(t, "networks", "list")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr)
	}
	env := decodeEnvelope(t, stdout)
	if !env.Success || env.Version != model.EnvelopeVersion {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Meta.Command != "networks list" {
		t.Fatalf("unexpected command path %q", env.Meta.Command)
	}
	if !strings.Contains(stdout, `"ethereum"`) {
		t.Fatal("expected built-in networks in the listing")
	}
}

func TestRunnerNetworksShow(t *testing.T) {
	code, stdout, _ := runCLI(t, "networks", "show", "base")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	env := decodeEnvelope(t, stdout)
	if !env.Success {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !strings.Contains(stdout, "8453") {
		t.Fatal("expected base chain id in output")
	}
}

func TestRunnerNetworksShowUnknown(t *testing.T) {
	code, _, stderr := runCLI(t, "networks", "show", "notachain")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	env := decodeEnvelope(t, stderr)
	if env.Success || env.Error == nil {
		t.Fatalf("expected error envelope, got %+v", env)
	}
	if env.Error.Kind != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error kind %q", env.Error.Kind)
	}
}

func TestRunnerCacheStats(t *testing.T) {
	code, stdout, stderr := runCLI(t, "cache", "stats")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr)
	}
	env := decodeEnvelope(t, stdout)
	if !env.Success {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRunnerUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "teleport")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	env := decodeEnvelope(t, stderr)
	if env.Success || env.Error == nil || env.Error.Kind != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error envelope, got %+v", env)
	}
}

func TestRunnerCallSubmitRequiresConfirmation(t *testing.T) {
	code, _, stderr := runCLI(t, "call", "submit",
		"--contract", "0x00000000000000000000000000000000000000bb",
		"--abi", "erc20",
		"--method", "transfer",
		"--arg", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"--arg", "100",
	)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || env.Error.Kind != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error envelope, got %+v", env)
	}
	if !strings.Contains(env.Error.Message, "--yes") {
		t.Fatalf("expected the confirmation hint, got %q", env.Error.Message)
	}
}

func TestRunnerHistoryDisabled(t *testing.T) {
	code, _, stderr := runCLI(t, "--no-history", "history", "list")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || env.Error.Kind != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error envelope, got %+v", env)
	}
}

func TestRunnerPlainOutput(t *testing.T) {
	code, stdout, _ := runCLI(t, "--plain", "networks", "show", "ethereum")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if strings.Contains(stdout, "{") {
		t.Fatalf("plain output must not be JSON: %q", stdout)
	}
	if !strings.Contains(stdout, "success=true") {
		t.Fatalf("expected key=value lines, got %q", stdout)
	}
}

func TestRunnerConflictingOutputFlags(t *testing.T) {
	code, _, stderr := runCLI(t, "--json", "--plain", "networks", "list")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr, "VALIDATION_ERROR") {
		t.Fatalf("expected validation error, got %q", stderr)
	}
}

func TestRunnerMacroRefresh(t *testing.T) {
	plan := `
steps:
  - contract: "0x00000000000000000000000000000000000000bb"
    abi: erc20
    method: transfer
    args:
      - "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
      - "100"
`
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(plan), 0o600); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	isolateEnvironment(t)
	t.Setenv("TXPILOT_PRIVATE_KEY", "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run([]string{"macro", "refresh", "--plan", path})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr: %s)", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout.String())
	if !env.Success {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !strings.Contains(stdout.String(), `"steps": 1`) {
		t.Fatalf("expected step count in output, got %s", stdout.String())
	}
}

func TestRunnerApproveStatusRejectsBadToken(t *testing.T) {
	code, _, stderr := runCLI(t, "approve", "status",
		"--token", "not-an-address",
		"--spender", "0x00000000000000000000000000000000000000bb",
		"--amount", "100",
	)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || env.Error.Kind != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error envelope, got %+v", env)
	}
}

func TestExplorerTxURL(t *testing.T) {
	cfg := chain.NetworkConfig{ExplorerURL: "https://etherscan.io/"}
	hash := "0xabc"
	if got := explorerTxURL(cfg, hash); got != "https://etherscan.io/tx/0xabc" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := explorerTxURL(chain.NetworkConfig{}, hash); got != "" {
		t.Fatalf("expected empty url without an explorer, got %q", got)
	}
	if got := explorerTxURL(cfg, ""); got != "" {
		t.Fatalf("expected empty url without a hash, got %q", got)
	}
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("txpilot call estimate"); got != "call estimate" {
		t.Fatalf("unexpected trimmed path %q", got)
	}
	if got := trimRootPath("txpilot"); got != "txpilot" {
		t.Fatalf("unexpected trimmed path %q", got)
	}
}

func TestShouldOpenHistory(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"call submit", true},
		{"approve run", true},
		{"macro run", true},
		{"history list", true},
		{"history show", true},
		{"call estimate", false},
		{"networks list", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := shouldOpenHistory(tc.path); got != tc.want {
			t.Fatalf("shouldOpenHistory(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
