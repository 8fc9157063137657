package fstool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardfleet/internal/runner"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindExt, KindOf("ext4"))
	assert.Equal(t, KindExt, KindOf("ext2"))
	assert.Equal(t, KindVfat, KindOf("vfat"))
	assert.Equal(t, KindNtfs, KindOf("ntfs"))
	assert.Equal(t, KindExfat, KindOf("exfat"))
	assert.Equal(t, KindUnknown, KindOf("btrfs"))
	assert.Equal(t, KindUnknown, KindOf(""))
}

func TestGeometryParsesSuperblock(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["tune2fs -l /dev/sdb2"] = `tune2fs 1.47.0 (5-Feb-2023)
Filesystem volume name:   <none>
Filesystem UUID:          11112222-3333-4444-5555-666677778888
Block count:              1831936
Reserved block count:     18319
Block size:               4096
Fragment size:            4096
`

	tool := &ExtTool{Cmd: fake}
	bs, bc, err := tool.Geometry(context.Background(), "/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), bs)
	assert.Equal(t, uint64(1831936), bc)
}

func TestGeometryMissingFieldFails(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["tune2fs -l /dev/sdb2"] = "Filesystem UUID: abc\n"

	tool := &ExtTool{Cmd: fake}
	_, _, err := tool.Geometry(context.Background(), "/dev/sdb2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Block size")
}

func TestMinimumBlocksParsesLastField(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["resize2fs -P /dev/sdb2"] = "resize2fs 1.47.0 (5-Feb-2023)\nEstimated minimum size of the filesystem: 423211\n"

	tool := &ExtTool{Cmd: fake}
	blocks, err := tool.MinimumBlocks(context.Background(), "/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, uint64(423211), blocks)
}

func TestMinimumBytes(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["tune2fs -l /dev/sdb2"] = "Block count: 1831936\nBlock size: 4096\n"
	fake.Outputs["resize2fs -P /dev/sdb2"] = "Estimated minimum size of the filesystem: 423211\n"

	tool := &ExtTool{Cmd: fake}
	bytes, err := tool.MinimumBytes(context.Background(), "/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, uint64(4096*423211), bytes)
}

func TestFormatExtCarriesUUID(t *testing.T) {
	fake := runner.NewFake()
	f := &Formatter{Cmd: fake}

	require.NoError(t, f.Format(context.Background(), "/dev/sdc2", "ext4", "11112222-3333-4444-5555-666677778888"))
	assert.True(t, fake.CalledWith("mkfs.ext4 -q -F -m 1 -U 11112222-3333-4444-5555-666677778888 /dev/sdc2"))
}

func TestFormatMatrix(t *testing.T) {
	cases := []struct {
		fstype string
		want   string
	}{
		{"ntfs", "mkfs.ntfs -Q -F /dev/sdc2"},
		{"vfat", "mkfs.vfat /dev/sdc2"},
		{"exfat", "mkfs.exfat /dev/sdc2"},
		{"btrfs", "mkfs.ext4 -q -F -T largefile -m 0 -e continue /dev/sdc2"},
	}
	for _, tc := range cases {
		fake := runner.NewFake()
		f := &Formatter{Cmd: fake}
		require.NoError(t, f.Format(context.Background(), "/dev/sdc2", tc.fstype, "ignored"))
		assert.True(t, fake.CalledWith(tc.want), "fstype %s: wanted call %q, got %v", tc.fstype, tc.want, fake.Calls())
	}
}

func TestFormatErrorWraps(t *testing.T) {
	fake := runner.NewFake()
	boom := errors.New("boom")
	fake.Errors["mkfs.vfat"] = boom

	f := &Formatter{Cmd: fake}
	err := f.Format(context.Background(), "/dev/sdc1", "vfat", "")
	require.Error(t, err)

	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "/dev/sdc1", ferr.Device)
	assert.ErrorIs(t, err, boom)
}
