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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// allocChunkSize is the write unit used to force block allocation. The
// zeroes must actually hit the disk: extents left unwritten by fallocate
// have no committed physical identity the filesystem is obliged to keep.
const allocChunkSize = 1 << 20

// Image is an open handle to an extent-backed image: the ordered backing
// files and their pinned physical layout.
type Image struct {
	header  string
	files   []string
	extents []Extent
	size    uint64
}

// Create allocates a new image of the given size at headerPath, splitting
// across several files when opts.MaxFileSize requires it. The files are
// fully written with zeroes so every extent has a committed physical
// location.
func Create(ctx context.Context, headerPath string, size uint64, opts CreateOptions, progress ProgressFunc) (_ *Image, retErr error) {
	if size == 0 {
		return nil, fmt.Errorf("image %s must have a non-zero size", headerPath)
	}
	if size%SectorSize != 0 {
		return nil, fmt.Errorf("image size %d is not sector aligned", size)
	}
	if _, err := os.Stat(headerPath); err == nil {
		return nil, fmt.Errorf("image %s already exists", headerPath)
	}

	maxPerFile := opts.MaxFileSize
	if maxPerFile == 0 {
		maxPerFile = size
	}
	maxPerFile -= maxPerFile % SectorSize

	img := &Image{header: headerPath, size: size}

	defer func() {
		if retErr != nil {
			if err := RemoveSplitFiles(headerPath); err != nil {
				log.G(ctx).WithError(err).Errorf("failed to remove partial files for %s", headerPath)
			}
		}
	}()

	var written uint64
	for index := 0; written < size; index++ {
		pieceSize := min(maxPerFile, size-written)
		path := splitFileName(headerPath, index)

		if err := allocateFile(ctx, path, pieceSize, written, size, progress); err != nil {
			return nil, err
		}
		img.files = append(img.files, path)
		written += pieceSize
	}

	for _, path := range img.files {
		extents, err := fileExtents(path)
		if err != nil {
			return nil, err
		}
		if !pinned(extents) {
			return nil, fmt.Errorf("extents of %s did not pin to stable physical blocks", path)
		}
		img.extents = append(img.extents, extents...)
	}

	return img, nil
}

// Open reopens an existing image and queries its current extent layout.
func Open(headerPath string) (*Image, error) {
	files, err := GetSplitFileList(headerPath)
	if err != nil {
		return nil, err
	}

	img := &Image{header: headerPath, files: files}
	for _, path := range files {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		img.size += uint64(fi.Size())

		extents, err := fileExtents(path)
		if err != nil {
			return nil, err
		}
		img.extents = append(img.extents, extents...)
	}
	return img, nil
}

// Files returns the ordered backing file list.
func (img *Image) Files() []string { return img.files }

// Extents returns the image's physical extents in file order.
func (img *Image) Extents() []Extent { return img.extents }

// Size returns the total image size in bytes.
func (img *Image) Size() uint64 { return img.size }

// HasPinnedExtents re-queries the extent layout and reports whether it
// still matches the layout observed when the handle was opened.
func (img *Image) HasPinnedExtents() (bool, error) {
	var current []Extent
	for _, path := range img.files {
		extents, err := fileExtents(path)
		if err != nil {
			return false, err
		}
		current = append(current, extents...)
	}

	if !pinned(current) || len(current) != len(img.extents) {
		return false, nil
	}
	for i := range current {
		if current[i].PhysicalSector != img.extents[i].PhysicalSector ||
			current[i].Sectors != img.extents[i].Sectors {
			return false, nil
		}
	}
	return true, nil
}

func allocateFile(ctx context.Context, path string, size, doneSoFar, total uint64, progress ProgressFunc) (retErr error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|unix.O_CLOEXEC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && retErr == nil {
			retErr = cerr
		}
	}()

	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size)); err != nil {
		// Not all filesystems support fallocate; the zero pass below will
		// extend the file either way.
		if err != unix.EOPNOTSUPP {
			return fmt.Errorf("fallocate of %d bytes failed on %s: %w", size, path, err)
		}
	}

	zeroes := make([]byte, allocChunkSize)
	var written uint64
	for written < size {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(uint64(len(zeroes)), size-written)
		if _, err := f.Write(zeroes[:n]); err != nil {
			return fmt.Errorf("write failed on %s: %w", path, err)
		}
		written += n

		if progress != nil && !progress(doneSoFar+written, total) {
			return fmt.Errorf("image creation of %s cancelled by caller", path)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync failed on %s: %w", path, err)
	}
	return nil
}

func fileExtents(path string) ([]Extent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return queryExtents(f)
}

// GetBlockDeviceForFile resolves the block device holding the filesystem
// the file lives on. If that device is a device-mapper node (dm-crypt or
// dm-default-key below the data partition), the device below it is
// returned where possible and canUseDeviceMapper is true: another dm node
// may be stacked on top. A plain partition returns canUseDeviceMapper
// false, and the image must be exposed through loop devices instead.
func GetBlockDeviceForFile(path string) (string, bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", false, fmt.Errorf("stat failed on %s: %w", path, err)
	}

	name, err := blockDeviceName(unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev)))
	if err != nil {
		return "", false, err
	}

	if !isDmDevice(name) {
		return "/dev/" + name, false, nil
	}

	// Walk down the dm stack. A single-slave chain resolves to the real
	// partition; anything more complex is reported as the dm node itself,
	// which callers must refuse to persist.
	resolved := name
	for isDmDevice(resolved) {
		slaves, err := os.ReadDir(filepath.Join("/sys/block", resolved, "slaves"))
		if err != nil || len(slaves) != 1 {
			return "/dev/" + name, true, nil
		}
		resolved = slaves[0].Name()
	}

	return "/dev/" + resolved, true, nil
}

func blockDeviceName(major, minor uint32) (string, error) {
	link := fmt.Sprintf("/sys/dev/block/%d:%d", major, minor)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("could not resolve block device %d:%d: %w", major, minor, err)
	}
	return filepath.Base(target), nil
}

func isDmDevice(name string) bool {
	if !strings.HasPrefix(name, "dm-") {
		return false
	}
	_, err := os.Stat(filepath.Join("/sys/block", name, "dm"))
	return err == nil
}
