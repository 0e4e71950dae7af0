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
	"io"
	"os"
	"time"
)

// MappedDevice is a scoped handle over a just-mapped image: an open
// read-write descriptor on the block device, and ownership of the
// mapping itself. Closing the device unmaps the image. This is the
// sanctioned way to get a temporary, self-cleaning mapping.
type MappedDevice struct {
	manager *Manager
	name    string
	path    string
	file    *os.File
}

// OpenMappedDevice maps the image and opens the resulting block device
// for read-write. If the device cannot be opened, the mapping is left in
// place; the caller may retry opening or must unmap explicitly.
func OpenMappedDevice(ctx context.Context, manager *Manager, name string, timeout time.Duration) (*MappedDevice, error) {
	path, err := manager.MapImageDevice(ctx, name, timeout)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open mapped device %s: %w", path, err)
	}

	return &MappedDevice{
		manager: manager,
		name:    name,
		path:    path,
		file:    f,
	}, nil
}

// Path returns the block device path.
func (d *MappedDevice) Path() string { return d.path }

// File returns the open descriptor on the block device.
func (d *MappedDevice) File() *os.File { return d.file }

// Size returns the block device size in bytes and rewinds the
// descriptor.
func (d *MappedDevice) Size() (uint64, error) {
	size, err := d.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return uint64(size), nil
}

// Close closes the descriptor and unconditionally unmaps the image.
func (d *MappedDevice) Close(ctx context.Context) error {
	d.file.Close()
	return d.manager.UnmapImageDevice(ctx, d.name, false)
}
