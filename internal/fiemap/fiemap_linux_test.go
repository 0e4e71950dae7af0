//go:build linux

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

package fiemap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TinkerBoard-Android/system-gsid/internal/testutil"
)

var testCtx = context.Background()

func TestCreateRejectsBadSizes(t *testing.T) {
	dir := t.TempDir()

	_, err := Create(testCtx, filepath.Join(dir, "zero.img"), 0, CreateOptions{}, nil)
	assert.Error(t, err)

	_, err = Create(testCtx, filepath.Join(dir, "unaligned.img"), SectorSize+1, CreateOptions{}, nil)
	assert.Error(t, err)
}

func TestCreateRejectsExistingImage(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "test.img")
	require.NoError(t, os.WriteFile(header, nil, 0600))

	_, err := Create(testCtx, header, 1<<20, CreateOptions{}, nil)
	assert.Error(t, err)
}

// requiresFiemap skips the test when the filesystem under dir does not
// implement the FIEMAP ioctl (tmpfs does not).
func requiresFiemap(t *testing.T, dir string) {
	t.Helper()
	probe := filepath.Join(dir, "fiemap-probe")
	require.NoError(t, os.WriteFile(probe, make([]byte, SectorSize), 0600))

	if _, err := fileExtents(probe); err != nil {
		t.Skipf("FIEMAP not supported on %s: %v", dir, err)
	}
}

func TestCreateAndOpen(t *testing.T) {
	testutil.RequiresRoot(t)

	dir := t.TempDir()
	requiresFiemap(t, dir)

	header := filepath.Join(dir, "test.img")
	const size = 4 << 20

	var lastWritten uint64
	img, err := Create(testCtx, header, size, CreateOptions{}, func(written, total uint64) bool {
		assert.EqualValues(t, size, total)
		lastWritten = written
		return true
	})
	require.NoError(t, err)

	assert.EqualValues(t, size, lastWritten)
	assert.Equal(t, []string{header}, img.Files())
	assert.EqualValues(t, size, img.Size())
	assert.NotEmpty(t, img.Extents())

	var sectors uint64
	for _, ext := range img.Extents() {
		sectors += ext.Sectors
	}
	assert.GreaterOrEqual(t, sectors*SectorSize, uint64(size))

	pinned, err := img.HasPinnedExtents()
	require.NoError(t, err)
	assert.True(t, pinned)

	reopened, err := Open(header)
	require.NoError(t, err)
	assert.Equal(t, img.Files(), reopened.Files())
	assert.EqualValues(t, size, reopened.Size())

	require.NoError(t, RemoveSplitFiles(header))
}

func TestCreateSplit(t *testing.T) {
	testutil.RequiresRoot(t)

	dir := t.TempDir()
	requiresFiemap(t, dir)

	header := filepath.Join(dir, "test.img")

	img, err := Create(testCtx, header, 4<<20, CreateOptions{MaxFileSize: 1 << 20}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		header,
		header + ".0001",
		header + ".0002",
		header + ".0003",
	}, img.Files())

	list, err := GetSplitFileList(header)
	require.NoError(t, err)
	assert.Equal(t, img.Files(), list)

	require.NoError(t, RemoveSplitFiles(header))
	_, err = os.Stat(header + ".0003")
	assert.True(t, os.IsNotExist(err))
}

func TestPinned(t *testing.T) {
	clean := Extent{PhysicalSector: 4096, Sectors: 2048, Flags: fiemapExtentLast}
	assert.True(t, pinned([]Extent{clean}))

	// an extent without committed, stable data blocks disqualifies the
	// whole layout
	for _, flag := range []uint32{
		fiemapExtentUnknown,
		fiemapExtentDelalloc,
		fiemapExtentEncoded,
		fiemapExtentInline,
		fiemapExtentUnwritten,
	} {
		dirty := Extent{PhysicalSector: 8192, Sectors: 512, Flags: flag}
		assert.False(t, pinned([]Extent{clean, dirty}), "flag 0x%x must unpin the layout", flag)
	}

	// a file with no extents at all has nothing to map
	assert.False(t, pinned(nil))
}

func TestCreateCancelledByProgress(t *testing.T) {
	dir := t.TempDir()
	header := filepath.Join(dir, "test.img")

	_, err := Create(testCtx, header, 4<<20, CreateOptions{}, func(written, total uint64) bool {
		return false
	})
	assert.Error(t, err)

	// partial files must be cleaned up
	_, err = os.Stat(header)
	assert.True(t, os.IsNotExist(err))
}
