/*
   Copyright The Android Open Source Project

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package image

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TinkerBoard-Android/system-gsid/internal/dmsetup"
	"github.com/TinkerBoard-Android/system-gsid/internal/fiemap"
	"github.com/TinkerBoard-Android/system-gsid/internal/status"
)

func TestMapWithDmLinear(t *testing.T) {
	env := newTestEnv(t)
	env.createImage(t, "test", 1<<20)

	path, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/test", path)
	assert.True(t, env.manager.IsImageMapped("test"))

	// the table must span the image over its pinned extents
	table := env.dm.table("test")
	require.Len(t, table, 1)
	assert.EqualValues(t, 2048, table[0].LengthSectors)
	assert.Equal(t, "/dev/sda25", table[0].Device)
	assert.EqualValues(t, 4096, table[0].OffsetSector)

	steps, err := env.manager.ledger.Read(testCtx, "test")
	require.NoError(t, err)
	assert.Equal(t, []status.Step{status.DeviceMapperStep("test")}, steps)

	devPath, ok := env.tracker.Get("test")
	assert.True(t, ok)
	assert.Equal(t, path, devPath)

	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))
	assert.False(t, env.manager.IsImageMapped("test"))
	assert.False(t, env.manager.ledger.Exists("test"))
	assert.False(t, env.dm.Exists("test"))
}

func TestMapAlreadyMapped(t *testing.T) {
	env := newTestEnv(t)
	env.createImage(t, "test", 1<<20)

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)

	_, err = env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestMapUnknownImage(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.MapImageDevice(testCtx, "absent", DefaultMappingTimeout)
	assert.Error(t, err)
	assert.False(t, env.manager.IsImageMapped("absent"))
}

func TestMapWithSingleLoopDevice(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.createImage(t, "test", 1<<20)

	path, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop0", path)
	assert.True(t, env.manager.IsImageMapped("test"))

	// a single backing file needs no device-mapper node on top
	assert.False(t, env.dm.Exists("test"))
	assert.Equal(t, []string{"/dev/loop0"}, env.loop.directIO)

	steps, err := env.manager.ledger.Read(testCtx, "test")
	require.NoError(t, err)
	assert.Equal(t, []status.Step{status.LoopDeviceStep("/dev/loop0")}, steps)

	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))
	assert.False(t, env.manager.IsImageMapped("test"))
	assert.Equal(t, []string{"/dev/loop0"}, env.loop.detached)
}

func TestMapWithMultipleLoopDevices(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.writer.pieces = 3

	// each piece becomes a 1 MiB loop device; the image is smaller than
	// their sum, so the final segment must be trimmed
	const size = (2<<20 + 1<<19)
	env.createImage(t, "test", size)

	path, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)
	assert.Equal(t, "/dev/mapper/test", path)

	table := env.dm.table("test")
	require.Len(t, table, 3)
	assert.Equal(t, dmsetup.LinearTarget{StartSector: 0, LengthSectors: 2048, Device: "/dev/loop0", OffsetSector: 0}, table[0])
	assert.Equal(t, dmsetup.LinearTarget{StartSector: 2048, LengthSectors: 2048, Device: "/dev/loop1", OffsetSector: 0}, table[1])
	assert.Equal(t, dmsetup.LinearTarget{StartSector: 4096, LengthSectors: 1024, Device: "/dev/loop2", OffsetSector: 0}, table[2])

	var total uint64
	for _, target := range table {
		total += target.LengthSectors
	}
	assert.EqualValues(t, size/dmsetup.SectorSize, total)

	// the dm node is recorded before the loop devices it depends on
	steps, err := env.manager.ledger.Read(testCtx, "test")
	require.NoError(t, err)
	assert.Equal(t, []status.Step{
		status.DeviceMapperStep("test"),
		status.LoopDeviceStep("/dev/loop0"),
		status.LoopDeviceStep("/dev/loop1"),
		status.LoopDeviceStep("/dev/loop2"),
	}, steps)

	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))
	assert.False(t, env.dm.Exists("test"))
	assert.Equal(t, []string{"/dev/loop0", "/dev/loop1", "/dev/loop2"}, env.loop.detached)
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestMapLoopHonorsImageReadonly(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false

	require.NoError(t, env.manager.CreateBackingImage(testCtx, "test", 1<<20, CreateImageReadonly, nil))

	path, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)
	assert.True(t, env.loop.readOnly[path])

	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))

	// writable images attach writable
	env2 := newTestEnv(t)
	env2.writer.canUseDM = false
	env2.createImage(t, "test", 1<<20)

	path, err = env2.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)
	assert.False(t, env2.loop.readOnly[path])
}

func TestMapRollbackOnLoopFailure(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.writer.pieces = 3
	env.loop.failAt = 2

	env.createImage(t, "test", 3<<20)

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	assert.Error(t, err)

	// the loop devices attached before the failure must be taken back down
	assert.Equal(t, []string{"/dev/loop1", "/dev/loop0"}, env.loop.detached)
	assert.False(t, env.manager.ledger.Exists("test"))
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestMapRollbackOnDirectIOFailure(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.writer.pieces = 2
	env.loop.directErr = assert.AnError

	env.createImage(t, "test", 2<<20)

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	assert.Error(t, err)

	// double caching is not acceptable: the mapping fails and every loop
	// device already attached is taken back down
	assert.Equal(t, []string{"/dev/loop1", "/dev/loop0"}, env.loop.detached)
	assert.False(t, env.manager.ledger.Exists("test"))
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestMapRollbackOnDmFailure(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.writer.pieces = 2
	env.dm.createErr = assert.AnError

	env.createImage(t, "test", 2<<20)

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	assert.Error(t, err)

	assert.Equal(t, []string{"/dev/loop1", "/dev/loop0"}, env.loop.detached)
	assert.False(t, env.manager.ledger.Exists("test"))
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestUnmapNotMapped(t *testing.T) {
	env := newTestEnv(t)
	env.createImage(t, "test", 1<<20)

	err := env.manager.UnmapImageDevice(testCtx, "test", false)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestUnmapForceReplaysRecord(t *testing.T) {
	env := newTestEnv(t)

	// a record left behind by a crashed mapper: nothing in the tracker,
	// no dm node, but loop devices recorded
	require.NoError(t, env.manager.ledger.Write(testCtx, "test", []status.Step{
		status.LoopDeviceStep("/dev/loop5"),
	}))

	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", true))
	assert.Equal(t, []string{"/dev/loop5"}, env.loop.detached)
	assert.False(t, env.manager.ledger.Exists("test"))
}

func TestUnmapDmFailureKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.writer.pieces = 2
	env.createImage(t, "test", 2<<20)

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)

	env.dm.removeErr = assert.AnError
	err = env.manager.UnmapImageDevice(testCtx, "test", false)
	assert.Error(t, err)

	// teardown stopped at the dm node: the loop devices beneath it were
	// not touched and the record is kept for a later retry
	assert.Empty(t, env.loop.detached)
	assert.True(t, env.manager.ledger.Exists("test"))

	env.dm.removeErr = nil
	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))
	assert.False(t, env.manager.ledger.Exists("test"))
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestUnmapLoopFailureBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.writer.canUseDM = false
	env.createImage(t, "test", 1<<20)

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	require.NoError(t, err)

	env.loop.detachErr["/dev/loop0"] = assert.AnError

	// a stuck loop device does not fail the unmap; the backing file can
	// still be deleted later
	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))
	assert.False(t, env.manager.ledger.Exists("test"))
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestMapImageWithDeviceMapper(t *testing.T) {
	env := newTestEnv(t)
	env.createImage(t, "test", 1<<20)

	devString, err := env.manager.MapImageWithDeviceMapper(testCtx, "test")
	require.NoError(t, err)
	assert.Equal(t, "254:0", devString)

	// visible through the dm node even though the tracker was never told
	_, ok := env.tracker.Get("test")
	assert.False(t, ok)
	assert.True(t, env.manager.IsImageMapped("test"))

	require.NoError(t, env.manager.UnmapImageDevice(testCtx, "test", false))
	assert.False(t, env.manager.IsImageMapped("test"))
}

func TestMapRecordsTrackerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.createImage(t, "test", 1<<20)

	tracker := &failingTracker{}
	env.manager.tracker = tracker

	_, err := env.manager.MapImageDevice(testCtx, "test", DefaultMappingTimeout)
	assert.Error(t, err)

	// the mapping was taken back down: nothing is left to leak
	assert.False(t, env.dm.Exists("test"))
	assert.False(t, env.manager.ledger.Exists("test"))
}

type failingTracker struct{}

func (failingTracker) Get(name string) (string, bool) { return "", false }
func (failingTracker) Set(name, path string) error    { return assert.AnError }
func (failingTracker) Clear(name string) error        { return nil }

func TestLinearTableFromExtents(t *testing.T) {
	extents := []fiemap.Extent{
		{PhysicalSector: 1000, Sectors: 1024},
		{PhysicalSector: 5000, Sectors: 4096},
	}

	table, err := linearTableFromExtents("/dev/sda25", extents, 1<<20)
	require.NoError(t, err)
	require.Len(t, table, 2)

	assert.Equal(t, dmsetup.LinearTarget{StartSector: 0, LengthSectors: 1024, Device: "/dev/sda25", OffsetSector: 1000}, table[0])
	// the second extent is larger than the remainder and must be trimmed
	assert.Equal(t, dmsetup.LinearTarget{StartSector: 1024, LengthSectors: 1024, Device: "/dev/sda25", OffsetSector: 5000}, table[1])
}

func TestLinearTableFromExtentsShort(t *testing.T) {
	extents := []fiemap.Extent{{PhysicalSector: 1000, Sectors: 1024}}

	_, err := linearTableFromExtents("/dev/sda25", extents, 1<<20)
	assert.Error(t, err)
}

func TestLinearTableFromExtentsUnaligned(t *testing.T) {
	_, err := linearTableFromExtents("/dev/sda25", nil, 1000)
	assert.Error(t, err)
}
