package layout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/runner"
)

type fixedMinSizer struct {
	bytes uint64
	err   error
}

func (f fixedMinSizer) MinimumBytes(ctx context.Context, dev string) (uint64, error) {
	return f.bytes, f.err
}

func newDetector(fake *runner.Fake, min uint64) *Detector {
	return &Detector{
		Enum: blockdev.New(fake),
		Ext:  fixedMinSizer{bytes: min},
	}
}

func bootRootFake() *runner.Fake {
	fake := runner.NewFake()
	fake.Outputs["lsblk -no PKNAME /dev/sdb"] = "\n"
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdb","type":"disk","children":[
		{"name":"sdb1","fstype":"vfat","uuid":"AAAA-BBBB","start":8192,"size":268435456,"partn":1,"type":"part"},
		{"name":"sdb2","fstype":"ext4","uuid":"root-uuid","start":532480,"size":7516192768,"partn":2,"type":"part"}]}]}`
	fake.Outputs["sfdisk -d /dev/sdb"] = "label: dos\nlabel-id: 0x1234abcd\n"
	return fake
}

func TestDetectBootAndRoot(t *testing.T) {
	fake := bootRootFake()
	d := newDetector(fake, 2*1024*1024*1024)

	lay, err := d.Detect(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	require.NotNil(t, lay.Boot)
	assert.Equal(t, "/dev/sdb1", lay.Boot.Path)
	assert.Equal(t, "/dev/sdb2", lay.Root.Path)
	assert.Equal(t, "0x1234abcd", lay.DiskID)
	assert.False(t, lay.SinglePartition())

	// start byte of root plus the filesystem's minimum size
	assert.Equal(t, uint64(532480*512+2*1024*1024*1024), lay.RequiredBytes)
}

func TestDetectResolvesPartitionToParentDisk(t *testing.T) {
	fake := bootRootFake()
	fake.Outputs["lsblk -no PKNAME /dev/sdb2"] = "sdb\n"
	d := newDetector(fake, 1024)

	lay, err := d.Detect(context.Background(), "/dev/sdb2")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb", lay.SourceDisk)
}

func TestDetectSinglePartitionIsRoot(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -no PKNAME /dev/sdb"] = "\n"
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdb","type":"disk","children":[
		{"name":"sdb1","fstype":"ntfs","start":2048,"size":7516192768,"partn":1,"type":"part"}]}]}`
	fake.Outputs["sfdisk -d /dev/sdb"] = "label-id: 0xffff0000\n"

	d := newDetector(fake, 0)
	lay, err := d.Detect(context.Background(), "sdb")
	require.NoError(t, err)

	assert.True(t, lay.SinglePartition())
	assert.Equal(t, "/dev/sdb1", lay.Root.Path)
	// non-ext roots cannot shrink, so the full partition extent is required
	assert.Equal(t, uint64(2048*512+7516192768), lay.RequiredBytes)
}

func TestDetectFallsBackToLastPartition(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -no PKNAME /dev/sdb"] = "\n"
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdb","type":"disk","children":[
		{"name":"sdb1","fstype":"vfat","start":8192,"size":268435456,"partn":1,"type":"part"},
		{"name":"sdb2","fstype":"ntfs","start":532480,"size":7516192768,"partn":2,"type":"part"}]}]}`
	fake.Outputs["sfdisk -d /dev/sdb"] = "label-id: 0x0\n"

	d := newDetector(fake, 0)
	lay, err := d.Detect(context.Background(), "sdb")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb2", lay.Root.Path)
	assert.Equal(t, "ntfs", lay.Root.Fstype)
}

func TestDetectStrictRejectsFallback(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -no PKNAME /dev/sdb"] = "\n"
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdb","type":"disk","children":[
		{"name":"sdb1","fstype":"vfat","start":8192,"size":268435456,"partn":1,"type":"part"},
		{"name":"sdb2","fstype":"ntfs","start":532480,"size":7516192768,"partn":2,"type":"part"}]}]}`

	d := newDetector(fake, 0)
	d.Strict = true
	_, err := d.Detect(context.Background(), "sdb")
	assert.ErrorIs(t, err, ErrNoRootPartition)
}

func TestDetectNoPartitionsIsFatal(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -no PKNAME /dev/sdb"] = "\n"
	fake.Outputs["lsblk -J -b"] = `{"blockdevices":[{"name":"sdb","type":"disk"}]}`

	d := newDetector(fake, 0)
	_, err := d.Detect(context.Background(), "sdb")
	assert.ErrorIs(t, err, ErrNoRootPartition)
}

func TestIsExt(t *testing.T) {
	assert.True(t, IsExt("ext4"))
	assert.True(t, IsExt("ext2"))
	assert.False(t, IsExt("vfat"))
	assert.False(t, IsExt(""))
}
