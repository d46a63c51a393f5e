// Package testutil provides qemu-img and qemu-io helpers for interop tests.
// Every helper skips the calling test when the tool is not installed.
package testutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// QemuResult holds the result of a QEMU command.
type QemuResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// IsSuccess returns true if the command succeeded (exit code 0).
func (r QemuResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// QemuCheckResult holds parsed output from qemu-img check.
type QemuCheckResult struct {
	QemuResult
	ImageEndOffset    int64 `json:"image-end-offset"`
	TotalClusters     int64 `json:"total-clusters"`
	AllocatedClusters int64 `json:"allocated-clusters"`
	Corruptions       int   `json:"corruptions"`
	Leaks             int   `json:"leaks"`
	IsClean           bool
}

// QemuInfoResult holds parsed output from qemu-img info.
type QemuInfoResult struct {
	QemuResult
	VirtualSize     int64  `json:"virtual-size"`
	ClusterSize     int    `json:"cluster-size"`
	Format          string `json:"format"`
	BackingFilename string `json:"backing-filename"`
	FormatSpecific  struct {
		Data struct {
			Compat       string `json:"compat"`
			RefcountBits int    `json:"refcount-bits"`
		} `json:"data"`
	} `json:"format-specific"`
}

// RequireQemu skips the test if qemu-img is not available.
func RequireQemu(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not available, skipping QEMU interop test")
	}
}

// RequireQemuIO skips the test if qemu-io is not available.
func RequireQemuIO(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("qemu-io"); err != nil {
		t.Skip("qemu-io not available, skipping QEMU I/O test")
	}
}

// RunQemuImg runs a qemu-img command and returns the result.
func RunQemuImg(t *testing.T, args ...string) QemuResult {
	t.Helper()
	return runCommand(t, "qemu-img", args...)
}

// RunQemuIO runs a qemu-io command and returns the result.
func RunQemuIO(t *testing.T, args ...string) QemuResult {
	t.Helper()
	return runCommand(t, "qemu-io", args...)
}

func runCommand(t *testing.T, name string, args ...string) QemuResult {
	t.Helper()

	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := QemuResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		t.Logf("%s error: %v", name, err)
		result.ExitCode = -1
	}

	return result
}

// QemuCheck runs qemu-img check on an image file.
func QemuCheck(t *testing.T, path string) QemuCheckResult {
	t.Helper()
	RequireQemu(t)

	result := RunQemuImg(t, "check", "--output=json", path)
	checkResult := QemuCheckResult{
		QemuResult: result,
		IsClean:    result.ExitCode == 0,
	}
	if result.Stdout != "" {
		if err := json.Unmarshal([]byte(result.Stdout), &checkResult); err != nil {
			t.Logf("Failed to parse qemu-img check JSON: %v", err)
		}
	}
	return checkResult
}

// QemuInfo runs qemu-img info on an image file.
func QemuInfo(t *testing.T, path string) QemuInfoResult {
	t.Helper()
	RequireQemu(t)

	result := RunQemuImg(t, "info", "--output=json", path)
	infoResult := QemuInfoResult{QemuResult: result}
	if result.Stdout != "" {
		if err := json.Unmarshal([]byte(result.Stdout), &infoResult); err != nil {
			t.Logf("Failed to parse qemu-img info JSON: %v", err)
		}
	}
	return infoResult
}

// QemuCreate creates a QCOW2 image using qemu-img.
func QemuCreate(t *testing.T, path string, size string, opts ...string) {
	t.Helper()
	RequireQemu(t)

	args := []string{"create", "-f", "qcow2"}
	args = append(args, opts...)
	args = append(args, path, size)

	result := RunQemuImg(t, args...)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img create failed: %s", result.Stderr)
	}
}

// QemuWrite writes a pattern to an image using qemu-io.
func QemuWrite(t *testing.T, path string, pattern byte, offset, length int64) {
	t.Helper()
	qemuIO(t, path, fmt.Sprintf("write -P 0x%02x %d %d", pattern, offset, length))
}

// QemuWriteZeroes writes zeroes with qemu-io, which stores zero clusters
// where it can.
func QemuWriteZeroes(t *testing.T, path string, offset, length int64) {
	t.Helper()
	qemuIO(t, path, fmt.Sprintf("write -z %d %d", offset, length))
}

func qemuIO(t *testing.T, path, command string) {
	t.Helper()
	RequireQemuIO(t)

	result := RunQemuIO(t, "-f", "qcow2", "-c", command, path)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-io %q failed: %s", command, result.Stderr)
	}
}

// QemuRead reports whether length bytes at offset all equal pattern, as
// read by qemu-io.
func QemuRead(t *testing.T, path string, pattern byte, offset, length int64) bool {
	t.Helper()
	RequireQemuIO(t)

	cmd := fmt.Sprintf("read -P 0x%02x %d %d", pattern, offset, length)
	result := RunQemuIO(t, "-f", "qcow2", "-c", cmd, path)
	return result.ExitCode == 0
}

// QemuReadAll returns the guest contents of an image, converted to raw by
// qemu-img.
func QemuReadAll(t *testing.T, path string) []byte {
	t.Helper()
	RequireQemu(t)

	raw := filepath.Join(t.TempDir(), "contents.raw")
	result := RunQemuImg(t, "convert", "-f", "qcow2", "-O", "raw", path, raw)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img convert failed: %s", result.Stderr)
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		t.Fatalf("Failed to read converted image: %v", err)
	}
	return data
}

// QemuConvert converts an image, optionally with compression.
func QemuConvert(t *testing.T, srcPath, dstPath string, compress bool) {
	t.Helper()
	RequireQemu(t)

	args := []string{"convert", "-f", "qcow2", "-O", "qcow2"}
	if compress {
		args = append(args, "-c")
	}
	args = append(args, srcPath, dstPath)

	result := RunQemuImg(t, args...)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img convert failed: %s", result.Stderr)
	}
}

// TempImage returns a path for an image in a per-test temporary directory.
func TempImage(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}
