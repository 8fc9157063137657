package mountpoint

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardfleet/internal/runner"
)

func TestMountPrivatePathsAreUnique(t *testing.T) {
	fake := runner.NewFake()
	m := &Manager{Cmd: fake, BaseDir: t.TempDir()}

	a, err := m.MountPrivate(context.Background(), "/dev/sdc1")
	require.NoError(t, err)
	b, err := m.MountPrivate(context.Background(), "/dev/sdd1")
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path, "concurrent jobs must never share a mountpoint")
	assert.DirExists(t, a.Path)
	assert.True(t, fake.CalledWith("mount /dev/sdc1 "+a.Path))
}

func TestMountReadOnlyPassesFlag(t *testing.T) {
	fake := runner.NewFake()
	m := &Manager{Cmd: fake, BaseDir: t.TempDir()}

	mt, err := m.MountReadOnly(context.Background(), "/dev/sdb2")
	require.NoError(t, err)
	assert.True(t, fake.CalledWith("mount -o ro /dev/sdb2 "+mt.Path))
}

func TestUnmountIsLazyAndRemovesDir(t *testing.T) {
	fake := runner.NewFake()
	m := &Manager{Cmd: fake, BaseDir: t.TempDir()}

	mt, err := m.MountPrivate(context.Background(), "/dev/sdc1")
	require.NoError(t, err)
	require.NoError(t, mt.Unmount(context.Background()))

	assert.True(t, fake.CalledWith("umount -l "+mt.Path))
	_, err = os.Stat(mt.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPartitionOf(t *testing.T) {
	cases := []struct {
		dev, disk string
		want      bool
	}{
		{"/dev/sda", "/dev/sda", true},
		{"/dev/sda1", "/dev/sda", true},
		{"/dev/sda12", "/dev/sda", true},
		{"/dev/sdab", "/dev/sda", false},
		{"/dev/sdab1", "/dev/sda", false},
		{"/dev/mmcblk0p2", "/dev/mmcblk0", true},
		{"/dev/mmcblk0p2", "/dev/mmcblk1", false},
		{"/dev/nvme0n1p1", "/dev/nvme0n1", true},
		{"/dev/nvme0n10", "/dev/nvme0n1", false},
		{"/dev/loop3p1", "/dev/loop3", true},
		{"/dev/sdb1", "/dev/sdc", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, partitionOf(c.dev, c.disk), "%s under %s", c.dev, c.disk)
	}
}

func TestMountedUnderIgnoresForeignDevices(t *testing.T) {
	// Reads the live mount table; nothing on any host mounts a device with
	// this name, so the scan itself is what is exercised.
	mounted, err := MountedUnder(context.Background(), "/dev/cardfleet-does-not-exist")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestMountFailureCleansUpDir(t *testing.T) {
	fake := runner.NewFake()
	fake.Errors["mount"] = assert.AnError
	m := &Manager{Cmd: fake, BaseDir: t.TempDir()}

	_, err := m.MountPrivate(context.Background(), "/dev/sdc1")
	require.Error(t, err)

	entries, rerr := os.ReadDir(m.BaseDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries, "failed mounts must not leave directories behind")
}
