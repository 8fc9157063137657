package watcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/runner"
)

func TestPollReportsOnlyNewUsableDisks(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -dn -o NAME"] = "sda\nsdb\n"

	w := New(blockdev.New(fake), "/dev/sdb")
	require.NoError(t, w.Baseline(context.Background()))

	// nothing new yet
	targets, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)

	// two cards inserted: one usable, one an empty reader slot
	fake.Outputs["lsblk -dn -o NAME"] = "sda\nsdb\nsdc\nsdd\n"
	fake.Outputs["blockdev --getsize64 /dev/sdc"] = "7948206080\n"
	fake.Outputs["blockdev --getsize64 /dev/sdd"] = "0\n"

	targets, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdc"}, targets)

	// the zero-size slot becomes usable once a card lands in it
	fake.Outputs["blockdev --getsize64 /dev/sdd"] = "15931539456\n"
	targets, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdc", "/dev/sdd"}, targets)
}

func TestPollNeverReportsSourceOrBaseline(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -dn -o NAME"] = "sda\n"

	w := New(blockdev.New(fake), "/dev/sdb")
	require.NoError(t, w.Baseline(context.Background()))

	// the source reappearing after a loop re-attach must not count
	fake.Outputs["lsblk -dn -o NAME"] = "sda\nsdb\n"
	targets, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestPollIsCumulativeAcrossRemoval(t *testing.T) {
	fake := runner.NewFake()
	fake.Outputs["lsblk -dn -o NAME"] = "sda\n"
	fake.Outputs["blockdev --getsize64 /dev/sdc"] = "7948206080\n"

	w := New(blockdev.New(fake))
	require.NoError(t, w.Baseline(context.Background()))

	fake.Outputs["lsblk -dn -o NAME"] = "sda\nsdc\n"
	targets, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdc"}, targets)

	// a disk seen once stays in the set even if it momentarily vanishes
	fake.Outputs["lsblk -dn -o NAME"] = "sda\n"
	targets, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdc"}, targets)
	assert.Equal(t, []string{"/dev/sdc"}, w.Found())
}
