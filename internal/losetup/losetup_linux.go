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

// Package losetup attaches and detaches Linux loop devices through the
// /dev/loop-control interface.
package losetup

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	loopControlPath = "/dev/loop-control"
	loopDevFormat   = "/dev/loop%d"

	// According to util-linux/include/loopdev.h
	ioctlSetFd       = 0x4C00
	ioctlClrFd       = 0x4C01
	ioctlSetStatus64 = 0x4C04
	ioctlSetDirectIO = 0x4C08
	ioctlGetFree     = 0x4C82

	loFlagsReadonly = 1

	ebusyString = "device or resource busy"
)

// Params controls loop device setup.
type Params struct {
	// Loop device should forbid write
	Readonly bool
}

// struct loop_info64 in util-linux/include/loopdev.h
type loopInfo struct {
	/*
		device         uint64
		inode          uint64
		rdevice        uint64
		offset         uint64
		sizelimit      uint64
		number         uint32
		encryptType    uint32
		encryptKeySize uint32
	*/
	_        [13]uint32
	flags    uint32
	fileName [64]byte
	/*
		cryptName  [64]byte
		encryptKey [32]byte
		init       [2]uint64
	*/
	_ [112]byte
}

func ioctl(fd, req, args uintptr) (uintptr, uintptr, error) {
	r1, r2, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, args)
	if errno != 0 {
		return 0, 0, errno
	}

	return r1, r2, nil
}

func getFreeLoopDev() (uint32, error) {
	ctrl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("could not open %v: %w", loopControlPath, err)
	}
	defer ctrl.Close()
	num, _, err := ioctl(ctrl.Fd(), ioctlGetFree, 0)
	if err != nil {
		return 0, fmt.Errorf("could not get free loop device: %w", err)
	}
	return uint32(num), nil
}

func setupLoopDev(backingFile, loopDev string, param Params) (retErr error) {
	// 1. Open backing file and loop device
	oflags := os.O_RDWR
	if param.Readonly {
		oflags = os.O_RDONLY
	}
	back, err := os.OpenFile(backingFile, oflags|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("could not open backing file %s: %w", backingFile, err)
	}
	defer back.Close()

	loopFile, err := os.OpenFile(loopDev, oflags|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("could not open loop device %s: %w", loopDev, err)
	}
	defer loopFile.Close()

	// 2. Set FD
	if _, _, err = ioctl(loopFile.Fd(), ioctlSetFd, back.Fd()); err != nil {
		return fmt.Errorf("could not set loop fd for %s: %w", loopDev, err)
	}

	// 3. Set Info
	info := loopInfo{}
	copy(info.fileName[:], backingFile)
	if param.Readonly {
		info.flags |= loFlagsReadonly
	}
	if _, _, err := ioctl(loopFile.Fd(), ioctlSetStatus64, uintptr(unsafe.Pointer(&info))); err != nil {
		ioctl(loopFile.Fd(), ioctlClrFd, 0)
		return fmt.Errorf("cannot set loop info on %s: %w", loopDev, err)
	}

	return nil
}

// Attach looks for a free loop device and attaches backingFile to it,
// retrying EBUSY races against other losetup callers until the deadline
// expires. Returns the loop device path.
func Attach(ctx context.Context, backingFile string, param Params, deadline time.Time) (string, error) {
	for retry := 1; ; retry++ {
		num, err := getFreeLoopDev()
		if err != nil {
			return "", err
		}

		loopDev := fmt.Sprintf(loopDevFormat, num)
		if err := setupLoopDev(backingFile, loopDev, param); err != nil {
			// Per util-linux/sys-utils/losetup.c:create_loop(),
			// free loop device can race and we end up failing
			// with EBUSY when trying to set it up.
			if strings.Contains(err.Error(), ebusyString) && time.Now().Before(deadline) {
				// Fallback a bit to avoid live lock
				backoff := time.Millisecond * time.Duration(rand.Intn(retry*10)+1)
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(backoff):
				}
				continue
			}
			return "", err
		}
		return loopDev, nil
	}
}

// Detach clears the loop device. A device that is already gone is not an
// error.
func Detach(loopDev string) error {
	dev, err := os.Open(loopDev)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer dev.Close()

	if _, _, err := ioctl(dev.Fd(), ioctlClrFd, 0); err != nil {
		if err == unix.ENXIO {
			// Not configured, nothing to clear.
			return nil
		}
		return fmt.Errorf("could not clear loop device %s: %w", loopDev, err)
	}
	return nil
}

// EnableDirectIO switches the attached loop device to direct I/O against
// its backing file, avoiding a second copy of every page in the page
// cache.
func EnableDirectIO(loopDev string) error {
	dev, err := os.OpenFile(loopDev, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("could not open loop device %s: %w", loopDev, err)
	}
	defer dev.Close()

	if _, _, err := ioctl(dev.Fd(), ioctlSetDirectIO, 1); err != nil {
		return fmt.Errorf("could not enable direct IO on %s: %w", loopDev, err)
	}
	return nil
}

// BlockDeviceSize returns the size of the block device in bytes.
func BlockDeviceSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	size, err := f.Seek(0, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to seek on %q: %w", path, err)
	}
	return uint64(size), nil
}
