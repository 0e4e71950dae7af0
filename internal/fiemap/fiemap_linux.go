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
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FS_IOC_FIEMAP and the extent flags, from <linux/fiemap.h>.
const (
	iocFiemap = 0xC020660B

	fiemapFlagSync = 0x1

	fiemapExtentLast      = 0x0001
	fiemapExtentUnknown   = 0x0002
	fiemapExtentDelalloc  = 0x0004
	fiemapExtentEncoded   = 0x0008
	fiemapExtentInline    = 0x0200
	fiemapExtentUnwritten = 0x0800

	// Extents carrying any of these cannot be remapped through
	// device-mapper: their physical location is unknown, unstable, or not
	// a plain committed block run. Unwritten extents in particular have no
	// data blocks yet, so reading them through a linear mapping would
	// expose stale device contents.
	unpinnedExtentFlags = fiemapExtentUnknown | fiemapExtentDelalloc | fiemapExtentEncoded | fiemapExtentInline | fiemapExtentUnwritten
)

// struct fiemap_extent in <linux/fiemap.h>
type fiemapExtent struct {
	logical    uint64
	physical   uint64
	length     uint64
	_          [2]uint64
	flags      uint32
	_          [3]uint32
}

// struct fiemap in <linux/fiemap.h>
type fiemapRequest struct {
	start         uint64
	length        uint64
	flags         uint32
	mappedExtents uint32
	extentCount   uint32
	_             uint32
}

const extentBatch = 64

// queryExtents returns the physical extents of the file, syncing it first
// so delayed allocation does not hide the final layout.
func queryExtents(f *os.File) ([]Extent, error) {
	var (
		result []Extent
		start  uint64
	)

	type fiemapBuffer struct {
		req     fiemapRequest
		extents [extentBatch]fiemapExtent
	}

	for {
		buf := fiemapBuffer{
			req: fiemapRequest{
				start:       start,
				length:      ^uint64(0) - start,
				flags:       fiemapFlagSync,
				extentCount: extentBatch,
			},
		}

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), iocFiemap, uintptr(unsafe.Pointer(&buf)))
		if errno != 0 {
			return nil, fmt.Errorf("FIEMAP failed on %s: %w", f.Name(), errno)
		}
		if buf.req.mappedExtents == 0 {
			break
		}

		last := false
		for i := uint32(0); i < buf.req.mappedExtents; i++ {
			ext := buf.extents[i]
			result = append(result, Extent{
				LogicalSector:  ext.logical / SectorSize,
				PhysicalSector: ext.physical / SectorSize,
				Sectors:        ext.length / SectorSize,
				Flags:          ext.flags,
			})
			start = ext.logical + ext.length
			if ext.flags&fiemapExtentLast != 0 {
				last = true
			}
		}
		if last {
			break
		}
	}

	return result, nil
}

// pinned reports whether every extent has a stable physical location.
func pinned(extents []Extent) bool {
	if len(extents) == 0 {
		return false
	}
	for _, ext := range extents {
		if ext.Flags&unpinnedExtentFlags != 0 {
			return false
		}
	}
	return true
}
