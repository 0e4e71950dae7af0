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

// Package dmsetup sequences device-mapper control operations through the
// dmsetup(8) command line tool. Only the linear target is used: an image's
// pinned extents (or the loop devices over its backing files) are stitched
// into a single logical device.
package dmsetup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/containerd/log"
	exec "golang.org/x/sys/execabs"
	"golang.org/x/sys/unix"
)

// DeviceState represents the activation state of a device-mapper node.
type DeviceState int

const (
	// DeviceInvalid means no node with the given name exists.
	DeviceInvalid DeviceState = iota
	// DeviceSuspended means the node exists but I/O is suspended.
	DeviceSuspended
	// DeviceActive means the node exists and has a live table.
	DeviceActive
)

var errTable map[string]unix.Errno

func init() {
	// Precompute map of <text>=<errno> for optimal lookup
	errTable = make(map[string]unix.Errno)
	for errno := unix.EPERM; errno <= unix.EHWPOISON; errno++ {
		errTable[errno.Error()] = errno
	}
}

// CreateLinearDevice creates a device-mapper node with the given name over
// the linear table and waits for the node to appear under /dev/mapper.
// Returns the node path.
func CreateLinearDevice(ctx context.Context, deviceName string, table []LinearTarget) (string, error) {
	if len(table) == 0 {
		return "", errors.New("linear table must have at least one target")
	}

	// Multi-segment tables cannot be passed via --table, which accepts a
	// single line only.
	if _, err := dmsetupStdin(RenderTable(table), "create", deviceName); err != nil {
		return "", err
	}

	path := GetFullDevicePath(deviceName)
	if err := waitForPath(ctx, path); err != nil {
		// The node was created but never surfaced; take it back down so an
		// unrecorded device is not left behind.
		if rerr := RemoveDeviceIfExists(deviceName); rerr != nil {
			log.G(ctx).WithError(rerr).Errorf("failed to roll back device %q", deviceName)
		}
		return "", fmt.Errorf("device %q did not appear at %s: %w", deviceName, path, err)
	}

	return path, nil
}

// RemoveDeviceIfExists removes a device-mapper node. A missing node is not
// an error.
func RemoveDeviceIfExists(deviceName string) error {
	_, err := dmsetup("remove", GetFullDevicePath(deviceName))
	if err == unix.ENXIO || err == unix.ENOENT || err == unix.ENODEV {
		return nil
	}
	return err
}

// GetState reports the activation state of the named device.
func GetState(deviceName string) DeviceState {
	infos, err := Info(deviceName)
	if err != nil || len(infos) != 1 {
		return DeviceInvalid
	}
	if infos[0].Suspended {
		return DeviceSuspended
	}
	return DeviceActive
}

// DeviceString returns the "major:minor" string for the named device, the
// form used to reference it from other device-mapper tables.
func DeviceString(deviceName string) (string, error) {
	infos, err := Info(deviceName)
	if err != nil {
		return "", err
	}
	if len(infos) != 1 {
		return "", fmt.Errorf("expected exactly one info record for %q, got %d", deviceName, len(infos))
	}
	return fmt.Sprintf("%d:%d", infos[0].Major, infos[0].Minor), nil
}

// DeviceInfo represents device info returned by "dmsetup info".
// dmsetup(8) provides more information on each of these fields.
type DeviceInfo struct {
	Name            string
	BlockDeviceName string
	TableLive       bool
	TableInactive   bool
	Suspended       bool
	ReadOnly        bool
	Major           uint32
	Minor           uint32
	OpenCount       uint32 // Open reference count
	TargetCount     uint32 // Number of targets in the live table
	EventNumber     uint32 // Last event sequence number (used by wait)
}

// Info outputs device information (see "dmsetup info").
// If device name is empty, all device infos will be returned.
func Info(deviceName string) ([]*DeviceInfo, error) {
	output, err := dmsetup(
		"info",
		"--columns",
		"--noheadings",
		"-o",
		"name,blkdevname,attr,major,minor,open,segments,events",
		"--separator",
		" ",
		deviceName)

	if err != nil {
		return nil, err
	}

	var (
		lines   = strings.Split(output, "\n")
		devices = make([]*DeviceInfo, len(lines))
	)

	for i, line := range lines {
		var (
			attr = ""
			info = &DeviceInfo{}
		)

		_, err := fmt.Sscan(line,
			&info.Name,
			&info.BlockDeviceName,
			&attr,
			&info.Major,
			&info.Minor,
			&info.OpenCount,
			&info.TargetCount,
			&info.EventNumber)

		if err != nil {
			return nil, fmt.Errorf("failed to parse line %q: %w", line, err)
		}

		// Parse attributes (see "man 8 dmsetup" for details)
		info.Suspended = strings.Contains(attr, "s")
		info.ReadOnly = strings.Contains(attr, "r")
		info.TableLive = strings.Contains(attr, "L")
		info.TableInactive = strings.Contains(attr, "I")

		devices[i] = info
	}

	return devices, nil
}

// Version returns "dmsetup version" output
func Version() (string, error) {
	return dmsetup("version")
}

// waitForPath polls for a device node to appear. Udev creates /dev/mapper
// symlinks asynchronously, so a freshly created node may not be visible
// immediately.
func waitForPath(ctx context.Context, path string) error {
	const interval = 50 * time.Millisecond
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func dmsetup(args ...string) (string, error) {
	return dmsetupStdin("", args...)
}

func dmsetupStdin(stdin string, args ...string) (string, error) {
	cmd := exec.Command("dmsetup", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	data, err := cmd.CombinedOutput()
	output := string(data)
	if err != nil {
		// Try find Linux error code otherwise return generic error with dmsetup output
		if errno, ok := tryGetUnixError(output); ok {
			return "", errno
		}

		return "", fmt.Errorf("dmsetup %s\nerror: %s\n: %w", strings.Join(args, " "), output, err)
	}

	output = strings.TrimSuffix(output, "\n")
	output = strings.TrimSpace(output)

	return output, nil
}

// tryGetUnixError tries to find Linux error code from dmsetup output
func tryGetUnixError(output string) (unix.Errno, bool) {
	// It's useful to have Linux error codes like EBUSY, EPERM, ..., instead of just text.
	// Unfortunately there is no better way than extracting/comparing error text.
	text := parseDmsetupError(output)
	if text == "" {
		return 0, false
	}

	err, ok := errTable[text]
	return err, ok
}

// dmsetup returns error messages in format:
//
//	device-mapper: message ioctl on <name> failed: File exists\n
//	Command failed\n
//
// parseDmsetupError extracts text between "failed: " and "\n"
func parseDmsetupError(output string) string {
	lines := strings.SplitN(output, "\n", 2)
	if len(lines) < 2 {
		return ""
	}

	line := lines[0]
	// Handle output like "Device /dev/mapper/gsid-test not found"
	if strings.HasSuffix(line, "not found") {
		return unix.ENXIO.Error()
	}

	const failedSubstr = "failed: "
	idx := strings.LastIndex(line, failedSubstr)
	if idx == -1 {
		return ""
	}

	str := line[idx:]

	// Strip "failed: " prefix
	str = strings.TrimPrefix(str, failedSubstr)

	str = strings.ToLower(str)
	return str
}
