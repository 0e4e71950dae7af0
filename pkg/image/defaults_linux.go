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

package image

import (
	"context"
	"path/filepath"
	"time"

	"github.com/TinkerBoard-Android/system-gsid/internal/dmsetup"
	"github.com/TinkerBoard-Android/system-gsid/internal/fiemap"
	"github.com/TinkerBoard-Android/system-gsid/internal/losetup"
	"github.com/TinkerBoard-Android/system-gsid/internal/props"
)

// New returns a manager over the kernel-backed collaborators.
func New(config Config) (*Manager, error) {
	return NewManager(config, extentWriter{}, deviceMapper{}, loopControl{}, props.NewMemoryTracker())
}

// Open returns a manager for the conventional per-prefix metadata and
// data directories.
func Open(dirPrefix string) (*Manager, error) {
	return New(Config{
		MetadataDir: filepath.Join(DefaultMetadataRoot, dirPrefix),
		DataDir:     filepath.Join(DefaultDataRoot, dirPrefix),
	})
}

type extentWriter struct{}

func (extentWriter) Create(ctx context.Context, headerPath string, size uint64, opts fiemap.CreateOptions, progress fiemap.ProgressFunc) (ExtentImage, error) {
	img, err := fiemap.Create(ctx, headerPath, size, opts, progress)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (extentWriter) Open(headerPath string) (ExtentImage, error) {
	img, err := fiemap.Open(headerPath)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (extentWriter) GetSplitFileList(headerPath string) ([]string, error) {
	return fiemap.GetSplitFileList(headerPath)
}

func (extentWriter) RemoveSplitFiles(headerPath string) error {
	return fiemap.RemoveSplitFiles(headerPath)
}

func (extentWriter) GetBlockDeviceForFile(path string) (string, bool, error) {
	return fiemap.GetBlockDeviceForFile(path)
}

type deviceMapper struct{}

func (deviceMapper) CreateLinear(ctx context.Context, name string, table []dmsetup.LinearTarget) (string, error) {
	return dmsetup.CreateLinearDevice(ctx, name, table)
}

func (deviceMapper) RemoveIfExists(ctx context.Context, name string) error {
	return dmsetup.RemoveDeviceIfExists(name)
}

func (deviceMapper) Exists(name string) bool {
	return dmsetup.GetState(name) != dmsetup.DeviceInvalid
}

func (deviceMapper) DeviceString(name string) (string, error) {
	return dmsetup.DeviceString(name)
}

type loopControl struct{}

func (loopControl) Attach(ctx context.Context, backingFile string, readOnly bool, deadline time.Time) (string, error) {
	return losetup.Attach(ctx, backingFile, losetup.Params{Readonly: readOnly}, deadline)
}

func (loopControl) Detach(path string) error {
	return losetup.Detach(path)
}

func (loopControl) EnableDirectIO(path string) error {
	return losetup.EnableDirectIO(path)
}

func (loopControl) BlockDeviceSize(path string) (uint64, error) {
	return losetup.BlockDeviceSize(path)
}
