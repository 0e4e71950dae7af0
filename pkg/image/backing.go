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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/TinkerBoard-Android/system-gsid/internal/fiemap"
	"github.com/TinkerBoard-Android/system-gsid/internal/metadata"
)

// BackingImageExists reports whether the image is known to the metadata
// store and its header file is present on disk.
func (m *Manager) BackingImageExists(ctx context.Context, name string) bool {
	if !metadata.Exists(m.metadataDir) {
		return false
	}
	store, err := m.openStore()
	if err != nil {
		return false
	}
	defer store.Close()

	if !store.HasImage(ctx, name) {
		return false
	}
	_, err = os.Stat(m.ImageHeaderPath(name))
	return err == nil
}

// CreateBackingImage allocates a new image of the given size, persists
// its size, flags and extent layout, and optionally zero-fills it through
// a temporary mapping. Any failure removes everything created so far.
func (m *Manager) CreateBackingImage(ctx context.Context, name string, size uint64, flags CreateFlags, progress fiemap.ProgressFunc) error {
	if err := m.createBackingImage(ctx, name, size, flags, progress); err != nil {
		return err
	}

	if flags&CreateImageZeroFill != 0 {
		if err := m.ZeroFillNewImage(ctx, name); err != nil {
			log.G(ctx).WithError(err).Errorf("could not zero fill image %q; rolling back creation", name)
			if derr := m.DeleteBackingImage(ctx, name); derr != nil {
				log.G(ctx).WithError(derr).Errorf("could not delete image %q after failed zero fill", name)
			}
			return err
		}
	}
	return nil
}

func (m *Manager) createBackingImage(ctx context.Context, name string, size uint64, flags CreateFlags, progress fiemap.ProgressFunc) error {
	if err := m.lock(ctx, name); err != nil {
		return err
	}
	defer m.unlock(name)

	if m.BackingImageExists(ctx, name) {
		return fmt.Errorf("backing image %q already exists: %w", name, errdefs.ErrAlreadyExists)
	}

	if err := os.MkdirAll(m.dataDir, 0700); err != nil {
		return err
	}

	header := m.ImageHeaderPath(name)
	img, err := m.writer.Create(ctx, header, size, fiemap.CreateOptions{MaxFileSize: m.maxFileSize}, progress)
	if err != nil {
		return err
	}

	removeFiles := func() {
		if err := m.writer.RemoveSplitFiles(header); err != nil {
			log.G(ctx).WithError(err).Errorf("could not remove partial files for image %q", name)
		}
	}

	device, _, err := m.writer.GetBlockDeviceForFile(header)
	if err != nil {
		removeFiles()
		return fmt.Errorf("could not determine block device for %s: %w", header, err)
	}

	// Except for testing, we do not allow persisting metadata that
	// references device-mapper devices: the device numbering may change
	// on reboot. Test images are not meant to survive one.
	if strings.HasPrefix(filepath.Base(device), "dm-") && !m.testImageAllowed() {
		removeFiles()
		return fmt.Errorf("cannot persist image %q against device-mapper device %s: %w", name, device, errdefs.ErrFailedPrecondition)
	}

	store, err := m.openStore()
	if err != nil {
		removeFiles()
		return err
	}
	defer store.Close()

	info := &metadata.ImageInfo{
		Name:     name,
		Size:     size,
		ReadOnly: flags&CreateImageReadonly != 0,
		Files:    img.Files(),
		Extents:  img.Extents(),
	}
	if err := store.Update(ctx, info); err != nil {
		removeFiles()
		return err
	}
	return nil
}

// ZeroFillNewImage rewrites a freshly created image with zeroes through a
// temporary mapping. Needed when the backing storage is block-device
// encrypted: the zeroes written at creation time went in below the
// encryption layer and read back as garbage through the mapped device.
func (m *Manager) ZeroFillNewImage(ctx context.Context, name string) error {
	header := m.ImageHeaderPath(name)

	_, canUseDeviceMapper, err := m.writer.GetBlockDeviceForFile(header)
	if err != nil {
		return fmt.Errorf("could not determine block device for %s: %w", header, err)
	}
	if !canUseDeviceMapper {
		// Loop-backed storage is written through plain file I/O, so the
		// initial zeroes suffice.
		return nil
	}

	device, err := OpenMappedDevice(ctx, m, name, DefaultMappingTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := device.Close(ctx); cerr != nil {
			log.G(ctx).WithError(cerr).Errorf("could not release mapped device for image %q", name)
		}
	}()

	remaining, err := device.Size()
	if err != nil {
		return fmt.Errorf("could not get block device size for %s: %w", device.Path(), err)
	}

	const chunkSize = 4096
	zeroes := make([]byte, chunkSize)
	for remaining > 0 {
		n := min(uint64(chunkSize), remaining)
		if _, err := device.File().Write(zeroes[:n]); err != nil {
			return fmt.Errorf("write failed on %s: %w", device.Path(), err)
		}
		remaining -= n
	}
	return nil
}

// DeleteBackingImage removes the image's backing files, stale status
// record and metadata entry. A mapped image cannot be deleted.
func (m *Manager) DeleteBackingImage(ctx context.Context, name string) error {
	if err := m.lock(ctx, name); err != nil {
		return err
	}
	defer m.unlock(name)

	// For dm-linear devices sitting on top of the data partition, we
	// cannot risk deleting the files: the underlying blocks could be
	// reallocated by the filesystem while still reachable through the
	// device.
	if m.IsImageMapped(name) {
		return fmt.Errorf("backing image %q is currently mapped to a block device: %w", name, errdefs.ErrFailedPrecondition)
	}

	header := m.ImageHeaderPath(name)
	if err := m.writer.RemoveSplitFiles(header); err != nil {
		// Fatal, because these files must not be left dangling.
		return fmt.Errorf("error removing image %q: %w", name, err)
	}

	if err := m.ledger.Remove(ctx, name); err != nil {
		log.G(ctx).WithError(err).Errorf("could not remove status record for image %q", name)
	}

	store, err := m.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Remove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Images returns the metadata records of all known images, sorted by
// name. A manager whose metadata store was never created has no images.
func (m *Manager) Images(ctx context.Context) ([]*metadata.ImageInfo, error) {
	if !metadata.Exists(m.metadataDir) {
		return nil, nil
	}
	store, err := m.openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()

	names, err := store.ImageNames(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]*metadata.ImageInfo, 0, len(names))
	for _, name := range names {
		info, err := store.FindImage(ctx, name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Validate confirms that every image in the metadata store still has its
// backing files and that their extents are still pinned. The scan aborts
// on the first failing image.
func (m *Manager) Validate(ctx context.Context) error {
	store, err := m.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.ImageNames(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		header := m.ImageHeaderPath(name)
		img, err := m.writer.Open(header)
		if err != nil {
			return fmt.Errorf("image %q is missing or was moved: %w", name, err)
		}
		pinned, err := img.HasPinnedExtents()
		if err != nil {
			return fmt.Errorf("could not validate image %q: %w", name, err)
		}
		if !pinned {
			return fmt.Errorf("image %q is missing or was moved: %w", name, errdefs.ErrFailedPrecondition)
		}
	}
	return nil
}

// RemoveAllImages deletes every image named in the metadata store, then
// removes the store itself. Per-image failures are accumulated rather
// than short-circuiting, so everything deletable is deleted.
func (m *Manager) RemoveAllImages(ctx context.Context) error {
	if !metadata.Exists(m.metadataDir) {
		return nil
	}

	var errs []error

	store, err := m.openStore()
	if err != nil {
		errs = append(errs, err)
	} else {
		names, err := store.ImageNames(ctx)
		store.Close()
		if err != nil {
			errs = append(errs, err)
		} else {
			for _, name := range names {
				if err := m.DeleteBackingImage(ctx, name); err != nil {
					errs = append(errs, fmt.Errorf("could not delete image %q: %w", name, err))
				}
			}
		}
	}

	if err := metadata.RemoveAll(m.metadataDir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
