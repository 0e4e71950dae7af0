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
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/TinkerBoard-Android/system-gsid/internal/dmsetup"
	"github.com/TinkerBoard-Android/system-gsid/internal/fiemap"
	"github.com/TinkerBoard-Android/system-gsid/internal/metadata"
	"github.com/TinkerBoard-Android/system-gsid/internal/status"
)

// IsImageMapped reports whether the image is currently mapped to a block
// device.
func (m *Manager) IsImageMapped(name string) bool {
	if _, ok := m.tracker.Get(name); ok {
		return true
	}
	// If mapped in first-stage init, the dm device will exist but not the
	// tracker entry.
	return m.dm.Exists(name)
}

// MapImageDevice exposes the image as a block device and returns the
// device path. The timeout bounds the whole operation: a slow loop
// attach consumes budget from the steps after it.
func (m *Manager) MapImageDevice(ctx context.Context, name string, timeout time.Duration) (string, error) {
	if err := m.lock(ctx, name); err != nil {
		return "", err
	}
	defer m.unlock(name)

	return m.mapImageDevice(ctx, name, timeout)
}

func (m *Manager) mapImageDevice(ctx context.Context, name string, timeout time.Duration) (string, error) {
	if m.IsImageMapped(name) {
		return "", fmt.Errorf("backing image %q is already mapped: %w", name, errdefs.ErrAlreadyExists)
	}

	store, err := m.openStore()
	if err != nil {
		return "", err
	}
	info, err := store.FindImage(ctx, name)
	store.Close()
	if err != nil {
		return "", fmt.Errorf("no metadata for image %q: %w", name, err)
	}

	ctx, cancel := context.WithDeadline(ctx, time.Now().Add(timeout))
	defer cancel()

	// If there is a device-mapper node wrapping the block device, we are
	// able to create another node around it. If there is not, the
	// partition cannot be opened writable while its filesystem is
	// mounted, so the image is exposed through loop devices over its
	// files instead.
	header := m.ImageHeaderPath(name)
	device, canUseDeviceMapper, err := m.writer.GetBlockDeviceForFile(header)
	if err != nil {
		return "", fmt.Errorf("could not determine block device for %s: %w", header, err)
	}

	var path string
	if canUseDeviceMapper {
		path, err = m.mapWithDmLinear(ctx, name, device, info)
	} else {
		path, err = m.mapWithLoopDevice(ctx, name, info)
	}
	if err != nil {
		return "", err
	}

	// Record the mapping so IsImageMapped stays cheap. A mapping the
	// tracker refused to record would be unreachable through the normal
	// API, so it is taken back down.
	if err := m.tracker.Set(name, path); err != nil {
		log.G(ctx).WithError(err).Errorf("could not record mapped state for image %q", name)
		if uerr := m.unmapImageDevice(ctx, name, true); uerr != nil {
			log.G(ctx).WithError(uerr).Errorf("could not unmap image %q after failed state recording", name)
		}
		return "", fmt.Errorf("could not record mapped state for image %q: %w", name, err)
	}
	return path, nil
}

// MapImageWithDeviceMapper maps the image strictly through device-mapper
// and returns the node's "major:minor" device string, for callers that
// need to reference the node from another device-mapper table.
func (m *Manager) MapImageWithDeviceMapper(ctx context.Context, name string) (string, error) {
	if err := m.lock(ctx, name); err != nil {
		return "", err
	}
	defer m.unlock(name)

	if m.IsImageMapped(name) {
		return "", fmt.Errorf("backing image %q is already mapped: %w", name, errdefs.ErrAlreadyExists)
	}

	store, err := m.openStore()
	if err != nil {
		return "", err
	}
	info, err := store.FindImage(ctx, name)
	store.Close()
	if err != nil {
		return "", fmt.Errorf("no metadata for image %q: %w", name, err)
	}

	ctx, cancel := context.WithDeadline(ctx, time.Now().Add(DefaultMappingTimeout))
	defer cancel()

	header := m.ImageHeaderPath(name)
	device, _, err := m.writer.GetBlockDeviceForFile(header)
	if err != nil {
		return "", fmt.Errorf("could not determine block device for %s: %w", header, err)
	}

	if _, err := m.mapWithDmLinear(ctx, name, device, info); err != nil {
		return "", err
	}
	return m.dm.DeviceString(name)
}

// mapWithDmLinear creates a device-mapper node directly over the image's
// pinned extents.
func (m *Manager) mapWithDmLinear(ctx context.Context, name, device string, info *metadata.ImageInfo) (string, error) {
	table, err := linearTableFromExtents(device, info.Extents, info.Size)
	if err != nil {
		return "", err
	}

	release := &rollback{}
	defer release.release(ctx)

	path, err := m.dm.CreateLinear(ctx, name, table)
	if err != nil {
		return "", fmt.Errorf("error creating device-mapper node for image %q: %w", name, err)
	}
	release.add(func(ctx context.Context) {
		if err := m.dm.RemoveIfExists(ctx, name); err != nil {
			log.G(ctx).WithError(err).Errorf("could not roll back device-mapper node %q", name)
		}
	})

	if err := m.ledger.Write(ctx, name, []status.Step{status.DeviceMapperStep(name)}); err != nil {
		return "", err
	}

	release.commit()
	return path, nil
}

// mapWithLoopDevice attaches each backing file as a loop device, in file
// order. A single loop device is the exposed device itself; several are
// stitched together by a device-mapper linear node on top.
func (m *Manager) mapWithLoopDevice(ctx context.Context, name string, info *metadata.ImageInfo) (string, error) {
	files, err := m.writer.GetSplitFileList(m.ImageHeaderPath(name))
	if err != nil {
		return "", fmt.Errorf("could not get image file list for %q: %w", name, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultMappingTimeout)
	}

	release := &rollback{}
	defer release.release(ctx)

	var loops []string
	for _, file := range files {
		dev, err := m.loop.Attach(ctx, file, info.ReadOnly, deadline)
		if err != nil {
			return "", fmt.Errorf("could not create loop device for %s: %w", file, err)
		}
		log.G(ctx).Infof("created loop device %s for file %s", dev, file)

		loops = append(loops, dev)
		release.add(func(ctx context.Context) {
			if err := m.loop.Detach(dev); err != nil {
				log.G(ctx).WithError(err).Errorf("could not roll back loop device %s", dev)
			}
		})
	}

	// Without direct IO every page is cached twice, once for the loop
	// device and once for the backing file.
	for _, dev := range loops {
		if err := m.loop.EnableDirectIO(dev); err != nil {
			return "", err
		}
	}

	if len(loops) == 1 {
		if err := m.ledger.Write(ctx, name, []status.Step{status.LoopDeviceStep(loops[0])}); err != nil {
			return "", err
		}
		release.commit()
		return loops[0], nil
	}

	// Splits normally only happen on filesystems with small file size
	// limits; stitch the loop devices together with dm-linear.
	path, err := m.mapWithLoopDeviceList(ctx, name, loops, info, release)
	if err != nil {
		return "", err
	}
	release.commit()
	return path, nil
}

func (m *Manager) mapWithLoopDeviceList(ctx context.Context, name string, devices []string, info *metadata.ImageInfo, release *rollback) (string, error) {
	table, err := m.linearTableFromDevices(devices, info.Size)
	if err != nil {
		return "", err
	}

	path, err := m.dm.CreateLinear(ctx, name, table)
	if err != nil {
		return "", fmt.Errorf("could not create device-mapper device over loop set for %q: %w", name, err)
	}
	release.add(func(ctx context.Context) {
		if err := m.dm.RemoveIfExists(ctx, name); err != nil {
			log.G(ctx).WithError(err).Errorf("could not roll back device-mapper node %q", name)
		}
	})

	// The dm node is recorded first so unmap deletes it before detaching
	// the loop devices it depends on.
	steps := []status.Step{status.DeviceMapperStep(name)}
	for _, dev := range devices {
		steps = append(steps, status.LoopDeviceStep(dev))
	}
	if err := m.ledger.Write(ctx, name, steps); err != nil {
		return "", err
	}
	return path, nil
}

// UnmapImageDevice tears the image's mapping down by replaying its status
// record in recorded order. With force set, a missing mapped-state entry
// does not stop teardown; this is used to take down mappings that were
// never fully recorded.
func (m *Manager) UnmapImageDevice(ctx context.Context, name string, force bool) error {
	if err := m.lock(ctx, name); err != nil {
		return err
	}
	defer m.unlock(name)

	return m.unmapImageDevice(ctx, name, force)
}

func (m *Manager) unmapImageDevice(ctx context.Context, name string, force bool) error {
	if !force && !m.IsImageMapped(name) {
		return fmt.Errorf("backing image %q is not mapped: %w", name, errdefs.ErrFailedPrecondition)
	}

	steps, err := m.ledger.Read(ctx, name)
	if err != nil {
		return err
	}

	for _, step := range steps {
		switch step.Kind {
		case status.StepDeviceMapper:
			// Failure to remove a dm node is fatal, since the loop
			// devices and files beneath it can't be safely touched.
			if err := m.dm.RemoveIfExists(ctx, step.Value); err != nil {
				return fmt.Errorf("could not remove device-mapper node %q: %w", step.Value, err)
			}
		case status.StepLoopDevice:
			// Failure to detach a loop device is not fatal, since the
			// backing file can still be removed later.
			if err := m.loop.Detach(step.Value); err != nil {
				log.G(ctx).WithError(err).Errorf("could not detach loop device %s", step.Value)
			}
		default:
			log.G(ctx).Errorf("unknown status step %q for image %q", step.Kind, name)
		}
	}

	// The kernel objects are gone; a leftover record or tracker entry
	// must not keep the image permanently marked mapped.
	if err := m.ledger.Remove(ctx, name); err != nil {
		log.G(ctx).WithError(err).Errorf("could not remove status record for image %q", name)
	}
	if err := m.tracker.Clear(name); err != nil {
		log.G(ctx).WithError(err).Errorf("could not clear mapped state for image %q", name)
	}
	return nil
}

// linearTableFromExtents builds a dm-linear table mapping the image's
// pinned extents on the given block device, spanning exactly the image's
// sector-aligned size.
func linearTableFromExtents(device string, extents []fiemap.Extent, sizeBytes uint64) ([]dmsetup.LinearTarget, error) {
	if sizeBytes%dmsetup.SectorSize != 0 {
		return nil, fmt.Errorf("image size %d bytes is not sector aligned", sizeBytes)
	}

	var (
		table       []dmsetup.LinearTarget
		startSector uint64
		needed      = sizeBytes / dmsetup.SectorSize
	)
	for _, ext := range extents {
		if needed == 0 {
			break
		}
		length := min(ext.Sectors, needed)
		table = append(table, dmsetup.LinearTarget{
			StartSector:   startSector,
			LengthSectors: length,
			Device:        device,
			OffsetSector:  ext.PhysicalSector,
		})
		startSector += length
		needed -= length
	}
	if needed > 0 {
		return nil, fmt.Errorf("extents on %s are %d sectors short of the image size", device, needed)
	}
	return table, nil
}

// linearTableFromDevices builds a dm-linear table concatenating whole
// block devices, spanning exactly the image's sector-aligned size. The
// final segment is trimmed so the logical device is not larger than the
// image.
func (m *Manager) linearTableFromDevices(devices []string, sizeBytes uint64) ([]dmsetup.LinearTarget, error) {
	if sizeBytes%dmsetup.SectorSize != 0 {
		return nil, fmt.Errorf("image size %d bytes is not sector aligned", sizeBytes)
	}

	var (
		table       []dmsetup.LinearTarget
		startSector uint64
		needed      = sizeBytes / dmsetup.SectorSize
	)
	for _, device := range devices {
		if needed == 0 {
			break
		}
		size, err := m.loop.BlockDeviceSize(device)
		if err != nil {
			return nil, fmt.Errorf("could not get size of %s: %w", device, err)
		}
		length := min(size/dmsetup.SectorSize, needed)
		table = append(table, dmsetup.LinearTarget{
			StartSector:   startSector,
			LengthSectors: length,
			Device:        device,
			OffsetSector:  0,
		})
		startSector += length
		needed -= length
	}
	if needed > 0 {
		return nil, fmt.Errorf("loop devices are %d sectors short of the image size", needed)
	}
	return table, nil
}
