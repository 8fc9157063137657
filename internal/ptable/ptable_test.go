package ptable

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/layout"
	"cardfleet/internal/runner"
)

func dualLayout() layout.Layout {
	return layout.Layout{
		SourceDisk: "/dev/sdb",
		DiskID:     "0x1234abcd",
		Boot: &layout.Partition{
			Path:        "/dev/sdb1",
			Fstype:      "vfat",
			StartSector: 8192,
			SizeBytes:   256 * 1024 * 1024,
			Index:       1,
		},
		Root: layout.Partition{
			Path:        "/dev/sdb2",
			Fstype:      "ext4",
			StartSector: 532480,
			SizeBytes:   7 * 1024 * 1024 * 1024,
			Index:       2,
		},
	}
}

func TestScriptDualPartition(t *testing.T) {
	got := Script(dualLayout())
	want := "label: dos\n" +
		"label-id: 0x1234abcd\n" +
		"unit: sectors\n" +
		"\n" +
		"start=8192, size=524288, type=c\n" +
		"start=532480, type=83\n"
	assert.Equal(t, want, got)
}

func TestScriptSinglePartition(t *testing.T) {
	lay := dualLayout()
	lay.Boot = nil
	got := Script(lay)

	assert.NotContains(t, got, "type=c")
	assert.Contains(t, got, "start=532480, type=83\n")
}

func TestScriptOmitsEmptyDiskID(t *testing.T) {
	lay := dualLayout()
	lay.DiskID = ""
	assert.NotContains(t, Script(lay), "label-id")
}

func TestRebuildWipesAndWritesTable(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdc","type":"disk","children":[
		{"name":"sdc1","fstype":"vfat","start":8192,"size":268435456,"partn":1,"type":"part"},
		{"name":"sdc2","fstype":"ext4","start":532480,"size":7516192768,"partn":2,"type":"part"}]}]}`

	b := &Builder{
		Cmd:            fake,
		Enum:           blockdev.New(fake),
		SettleAttempts: 1,
		SettleDelay:    time.Millisecond,
	}

	nodes, err := b.Rebuild(context.Background(), dualLayout(), "/dev/sdc")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdc1", nodes.Boot)
	assert.Equal(t, "/dev/sdc2", nodes.Root)

	assert.True(t, fake.CalledWith("wipefs -a /dev/sdc"))
	assert.True(t, fake.CalledWith("udevadm settle"))
	assert.True(t, fake.CalledWith("partprobe /dev/sdc"))

	var sawScript bool
	for _, call := range fake.Calls() {
		if strings.HasPrefix(call, "sfdisk /dev/sdc <<< ") {
			sawScript = true
			assert.Contains(t, call, "label-id: 0x1234abcd")
			assert.Contains(t, call, "start=532480, type=83")
		}
	}
	assert.True(t, sawScript, "sfdisk never received the table script")
}

func TestRebuildSinglePartitionMapsRootOnly(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdc","type":"disk","children":[
		{"name":"sdc1","fstype":"ext4","start":2048,"size":7516192768,"partn":1,"type":"part"}]}]}`

	lay := dualLayout()
	lay.Boot = nil
	lay.Root.Index = 1
	lay.Root.StartSector = 2048

	b := &Builder{Cmd: fake, Enum: blockdev.New(fake), SettleAttempts: 1, SettleDelay: time.Millisecond}
	nodes, err := b.Rebuild(context.Background(), lay, "sdc")
	require.NoError(t, err)
	assert.Empty(t, nodes.Boot)
	assert.Equal(t, "/dev/sdc1", nodes.Root)
}
