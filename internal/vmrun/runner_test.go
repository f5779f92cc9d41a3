package vmrun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/brayalter/vmwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVMRun writes an executable shell script standing in for vmrun
func fakeVMRun(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "vmrun")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestExecRunner_Success(t *testing.T) {
	path := fakeVMRun(t, `echo "Total running VMs: 1"; printf '%s\n' "$4"`)
	r := &ExecRunner{Path: path, Timeout: 5 * time.Second}

	out, err := r.Run(context.Background(), "-T", "ws", "list", `C:\VMs\a.vmx`)
	require.NoError(t, err)
	assert.Equal(t, "Total running VMs: 1\nC:\\VMs\\a.vmx", out)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	path := fakeVMRun(t, `echo "Error: The file is already in use" >&2; exit 255`)
	r := &ExecRunner{Path: path, Timeout: 5 * time.Second}

	out, err := r.Run(context.Background(), "-T", "ws", "start", "a.vmx", "nogui")
	require.Error(t, err)
	assert.Equal(t, "Error: The file is already in use", out)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "start", cerr.Command)
	assert.False(t, cerr.TimedOut)
	assert.Contains(t, cerr.Error(), "vmrun start failed: Error: The file is already in use")
}

func TestExecRunner_Timeout(t *testing.T) {
	path := fakeVMRun(t, `exec sleep 5`)
	r := &ExecRunner{Path: path, Timeout: 100 * time.Millisecond}

	start := time.Now()
	_, err := r.Run(context.Background(), "stop", "a.vmx", "soft")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.TimedOut)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, cerr.Error(), "vmrun stop timed out")
}

func TestLocate(t *testing.T) {
	path := fakeVMRun(t, "exit 0")

	got, err := Locate(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = Locate(filepath.Join(t.TempDir(), "missing", "vmrun"))
	assert.Error(t, err)

	t.Setenv("PATH", filepath.Dir(path))
	got, err = Locate("auto")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestProcessProbeMatches(t *testing.T) {
	p := NewProcessProbe()
	assert.True(t, p.matches("vmware-vmx"))
	assert.True(t, p.matches("VMWARE-VMX.EXE"))
	assert.False(t, p.matches("vmware-tray.exe"))
}

func TestProcessProbeHoldersNoMatch(t *testing.T) {
	p := &ProcessProbe{Names: []string{"no-such-hypervisor-process"}}
	n, err := p.Holders(context.Background(), models.NewMachine(`/vms/none/none.vmx`))
	require.NoError(t, err)
	assert.Zero(t, n)
}
