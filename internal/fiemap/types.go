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

// Package fiemap creates extent-backed image files and reports their
// physical layout. An image is one or more ordinary files whose extents
// are queried through the FIEMAP ioctl; the layout is only useful for
// device-mapper remapping while the extents stay pinned, i.e. the
// filesystem has not reallocated them.
package fiemap

// SectorSize is the logical sector unit used for all extent math.
const SectorSize = 512

// Extent is a contiguous run of physical sectors backing part of an image
// file. Offsets are relative to the block device holding the filesystem.
type Extent struct {
	// LogicalSector is the extent's starting sector within the file.
	LogicalSector uint64 `json:"logical_sector"`
	// PhysicalSector is the extent's starting sector on the block device.
	PhysicalSector uint64 `json:"physical_sector"`
	// Sectors is the extent length.
	Sectors uint64 `json:"sectors"`
	// Flags carries the raw FIEMAP extent flags.
	Flags uint32 `json:"flags,omitempty"`
}

// ProgressFunc reports allocation progress while an image is being
// created. Returning false aborts the creation.
type ProgressFunc func(written, total uint64) bool

// CreateOptions tunes image creation.
type CreateOptions struct {
	// MaxFileSize splits the image across several backing files when the
	// requested size exceeds it. Zero means never split. Filesystems with
	// small file size limits (FAT32) need this.
	MaxFileSize uint64
}
