//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../neuroproc",
		"./neuroproc",
		filepath.Join(os.Getenv("GOPATH"), "bin", "neuroproc"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../neuroproc", "../cmd/neuroproc")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../neuroproc")
	return abs
}

// createTestConfig creates a temporary config file for testing
func createTestConfig(t *testing.T, dataRoot, dbPath string) string {
	t.Helper()
	configPath := TempConfigPath(t)

	config := `[general]
data_root = "` + dataRoot + `"
database_path = "` + dbPath + `"
log_level = "info"

[notifications]
desktop = false

[web]
port = 8080
host = "127.0.0.1"
`
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--config", configPath}, args...)
	out, err := exec.Command(binaryPath(t), full...).CombinedOutput()
	return string(out), err
}

func TestCLI_Help(t *testing.T) {
	configPath := createTestConfig(t, t.TempDir(), TempDBPath(t))

	out, err := runCLI(t, configPath, "--help")
	if err != nil {
		t.Fatalf("help failed: %v\n%s", err, out)
	}
	for _, cmd := range []string{"run", "pipeline", "list", "status", "daemon"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help output missing command %q", cmd)
		}
	}
}

func TestCLI_List_EmptyStore(t *testing.T) {
	configPath := createTestConfig(t, t.TempDir(), TempDBPath(t))

	out, err := runCLI(t, configPath, "list")
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "PROCEDURE") {
		t.Errorf("list output missing header: %s", out)
	}
}

func TestCLI_Scan(t *testing.T) {
	root := t.TempDir()
	configPath := createTestConfig(t, root, TempDBPath(t))
	WriteDWISeries(t, root, "01", "202406091801")

	out, err := runCLI(t, configPath, "scan")
	if err != nil {
		t.Fatalf("scan failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "sub-01") || !strings.Contains(out, "ses-202406091801") {
		t.Errorf("scan output missing discovered session: %s", out)
	}
}

// The dry-run surface is the exact command a procedure would execute, so
// the whole assembled line is asserted.
func TestCLI_RunAxSI_DryRun(t *testing.T) {
	root := t.TempDir()
	configPath := createTestConfig(t, root, TempDBPath(t))
	data, mask, bval, bvec := WriteDWISeries(t, root, "01", "202406091801")
	outDir := filepath.Join(root, "derivatives", "axsi")

	out, err := runCLI(t, configPath, "run", "axsi", "--dry-run",
		"--output", outDir,
		"--data", data, "--mask", mask, "--bval", bval, "--bvec", bvec)
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, out)
	}

	want := "axsi-main --subj-folder " + outDir +
		" --run-name sub-01_ses-202406091801" +
		" --data " + data +
		" --mask " + mask +
		" --bval " + bval +
		" --bvec " + bvec +
		" --small-delta 15.000000 --big-delta 45.000000 --gmax 7.900000" +
		" --gamma-val 4257 --num-processes-pred 1 --num-threads-pred 1" +
		" --num-processes-axsi 1 --num-threads-axsi 1" +
		" --nonlinear-lsq-method R-minpack --linear-lsq-method R-quadprog"
	if got := strings.TrimSpace(out); got != want {
		t.Errorf("dry-run command line:\ngot  %s\nwant %s", got, want)
	}
}

// axsi-main is not installed in the test environment; a real run must
// surface a process failure, not succeed silently.
func TestCLI_RunAxSI_MissingTool(t *testing.T) {
	root := t.TempDir()
	configPath := createTestConfig(t, root, TempDBPath(t))
	data, mask, bval, bvec := WriteDWISeries(t, root, "02", "202501010930")

	out, err := runCLI(t, configPath, "run", "axsi",
		"--output", filepath.Join(root, "derivatives", "axsi"),
		"--data", data, "--mask", mask, "--bval", bval, "--bvec", bvec)
	if err == nil {
		t.Fatalf("expected failure without axsi-main installed, got:\n%s", out)
	}

	// The failed attempt is still recorded in the run history.
	listOut, err := runCLI(t, configPath, "list", "--status", "failed")
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, listOut)
	}
	if !strings.Contains(listOut, "axsi") {
		t.Errorf("failed run not recorded: %s", listOut)
	}
}
