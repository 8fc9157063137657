package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdString(t *testing.T) {
	assert.Equal(t, "sfdisk /dev/sdc", Cmd{Name: "sfdisk", Args: []string{"/dev/sdc"}}.String())
	assert.Equal(t, "sync", Cmd{Name: "sync"}.String())
}

func TestFakeRecordsCalls(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.Run(context.Background(), "wipefs", "-a", "/dev/sdc"))
	require.NoError(t, f.RunInput(context.Background(), "Yes\n", "parted", "/dev/sdb"))

	calls := f.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "wipefs -a /dev/sdc", calls[0])
	assert.Equal(t, "parted /dev/sdb <<< Yes\n", calls[1])
	assert.True(t, f.CalledWith("wipefs -a"))
	assert.False(t, f.CalledWith("mkfs"))
}

func TestFakeLongestPrefixWins(t *testing.T) {
	f := NewFake()
	f.Outputs["lsblk -no PKNAME /dev/sdb"] = ""
	f.Outputs["lsblk -no PKNAME /dev/sdb2"] = "sdb"

	out, err := f.Output(context.Background(), "lsblk", "-no", "PKNAME", "/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, "sdb", out)
}

func TestFakeServesErrors(t *testing.T) {
	f := NewFake()
	boom := errors.New("boom")
	f.Errors["sfdisk"] = boom

	assert.ErrorIs(t, f.Run(context.Background(), "sfdisk", "/dev/sdc"), boom)
	assert.NoError(t, f.Run(context.Background(), "lsblk"))
}

func TestExecReportsStderr(t *testing.T) {
	e := &Exec{}
	err := e.Run(context.Background(), "sh", "-c", "echo nope >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestExecOutputTrims(t *testing.T) {
	e := &Exec{}
	out, err := e.Output(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestExecPipe(t *testing.T) {
	e := &Exec{}
	err := e.Pipe(context.Background(),
		Cmd{Name: "sh", Args: []string{"-c", "echo data"}},
		Cmd{Name: "sh", Args: []string{"-c", "cat >/dev/null"}})
	require.NoError(t, err)
}
