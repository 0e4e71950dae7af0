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

// Package image manages the lifecycle of file-backed virtual block
// devices. An image is created as one or more extent-backed files, then
// exposed as a block device through device-mapper linear remapping, a
// loop device, or a set of loop devices stitched together by
// device-mapper. Which kernel objects were created is recorded in a
// durable status ledger so the mapping can be torn down exactly, even by
// a process that did not create it.
package image

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/TinkerBoard-Android/system-gsid/internal/dmsetup"
	"github.com/TinkerBoard-Android/system-gsid/internal/fiemap"
	"github.com/TinkerBoard-Android/system-gsid/internal/kmutex"
	"github.com/TinkerBoard-Android/system-gsid/internal/metadata"
	"github.com/TinkerBoard-Android/system-gsid/internal/props"
	"github.com/TinkerBoard-Android/system-gsid/internal/status"
)

const (
	// DefaultMetadataRoot holds per-prefix metadata directories.
	DefaultMetadataRoot = "/metadata/gsid"
	// DefaultDataRoot holds per-prefix image data directories.
	DefaultDataRoot = "/data/gsid"
	// DefaultMappingTimeout bounds a single map operation.
	DefaultMappingTimeout = 10 * time.Second
)

// TestMetadataDir is the one metadata location allowed to persist images
// whose backing storage is itself a device-mapper node. Device-mapper
// numbering is not stable across reboot, so such records are only safe
// for images that are not meant to survive one.
const TestMetadataDir = DefaultMetadataRoot + "/test"

// CreateFlags alter CreateBackingImage behavior.
type CreateFlags int

const (
	// CreateImageDefault creates a plain writable image.
	CreateImageDefault CreateFlags = 0
	// CreateImageReadonly marks the image read-only in metadata.
	CreateImageReadonly CreateFlags = 1 << 0
	// CreateImageZeroFill forces a zero pass through a temporary mapping
	// after creation, so the image reads as zeroes even when the backing
	// storage is block-device encrypted.
	CreateImageZeroFill CreateFlags = 1 << 1
)

// ExtentImage is an open handle to an image's backing files and their
// physical layout, as reported by the extent writer.
type ExtentImage interface {
	// Files returns the ordered backing file list.
	Files() []string
	// Extents returns the pinned physical extents in file order.
	Extents() []fiemap.Extent
	// Size returns the total image size in bytes.
	Size() uint64
	// HasPinnedExtents reports whether the extents still occupy the same
	// physical blocks as when the handle was opened.
	HasPinnedExtents() (bool, error)
}

// ExtentWriter allocates and inspects extent-backed image files.
type ExtentWriter interface {
	Create(ctx context.Context, headerPath string, size uint64, opts fiemap.CreateOptions, progress fiemap.ProgressFunc) (ExtentImage, error)
	Open(headerPath string) (ExtentImage, error)
	GetSplitFileList(headerPath string) ([]string, error)
	RemoveSplitFiles(headerPath string) error
	// GetBlockDeviceForFile resolves the block device underlying the
	// file's filesystem and whether device-mapper may be stacked on it.
	GetBlockDeviceForFile(path string) (device string, canUseDeviceMapper bool, err error)
}

// DeviceMapper sequences device-mapper node operations.
type DeviceMapper interface {
	// CreateLinear creates a node over the linear table and returns its
	// path.
	CreateLinear(ctx context.Context, name string, table []dmsetup.LinearTarget) (string, error)
	// RemoveIfExists deletes the node; a missing node is not an error.
	RemoveIfExists(ctx context.Context, name string) error
	// Exists reports whether a node with the name currently exists.
	Exists(name string) bool
	// DeviceString returns the node's "major:minor" reference.
	DeviceString(name string) (string, error)
}

// LoopControl sequences loop device operations.
type LoopControl interface {
	// Attach exposes the backing file as a loop device, read-only when
	// the image is, retrying allocation races until the deadline.
	Attach(ctx context.Context, backingFile string, readOnly bool, deadline time.Time) (string, error)
	// Detach clears the loop device.
	Detach(path string) error
	// EnableDirectIO switches the device to direct I/O on its backing
	// file.
	EnableDirectIO(path string) error
	// BlockDeviceSize returns the device size in bytes.
	BlockDeviceSize(path string) (uint64, error)
}

// Config locates a manager's on-disk state.
type Config struct {
	// MetadataDir holds the image metadata store and status records.
	MetadataDir string
	// DataDir holds the backing image files.
	DataDir string
	// MaxFileSize splits images across several backing files when
	// non-zero; needed on filesystems with small file size limits.
	MaxFileSize uint64
}

// Manager composes the backing image store, the mapping engine and the
// status ledger into the image lifecycle API.
//
// Operations on distinct image names are independent; operations on the
// same name are serialized by a per-name lock.
type Manager struct {
	metadataDir string
	dataDir     string
	maxFileSize uint64

	writer  ExtentWriter
	dm      DeviceMapper
	loop    LoopControl
	tracker props.Tracker
	ledger  *status.Ledger
	locks   kmutex.KeyedLocker
}

// NewManager builds a manager from explicit collaborators. Production
// callers use New or Open, which wire the kernel-backed implementations.
func NewManager(config Config, writer ExtentWriter, dm DeviceMapper, loop LoopControl, tracker props.Tracker) (*Manager, error) {
	if config.MetadataDir == "" || config.DataDir == "" {
		return nil, fmt.Errorf("both metadata and data directories are required: %w", errdefs.ErrInvalidArgument)
	}

	return &Manager{
		metadataDir: config.MetadataDir,
		dataDir:     config.DataDir,
		maxFileSize: config.MaxFileSize,
		writer:      writer,
		dm:          dm,
		loop:        loop,
		tracker:     tracker,
		ledger:      status.NewLedger(config.MetadataDir),
		locks:       kmutex.New(),
	}, nil
}

// ImageHeaderPath returns the path of the image's header file, the first
// (and usually only) backing file.
func (m *Manager) ImageHeaderPath(name string) string {
	return filepath.Join(m.dataDir, name+".img")
}

// testImageAllowed reports whether this manager's metadata location may
// persist records referencing device-mapper backed storage.
func (m *Manager) testImageAllowed() bool {
	return strings.HasPrefix(m.metadataDir, TestMetadataDir)
}

func (m *Manager) openStore() (*metadata.Store, error) {
	return metadata.Open(m.metadataDir)
}

func (m *Manager) lock(ctx context.Context, name string) error {
	return m.locks.Lock(ctx, name)
}

func (m *Manager) unlock(name string) {
	m.locks.Unlock(name)
}
