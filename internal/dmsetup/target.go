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

package dmsetup

import (
	"fmt"
	"strings"
)

const (
	// DevMapperDir represents devmapper devices location
	DevMapperDir = "/dev/mapper/"
	// SectorSize represents the number of bytes in one sector on devmapper devices
	SectorSize = 512
)

// LinearTarget is one segment of a dm-linear table. All units are
// 512-byte sectors.
type LinearTarget struct {
	// StartSector is the first sector of the segment in the logical device.
	StartSector uint64
	// LengthSectors is the segment length.
	LengthSectors uint64
	// Device is the backing block device path.
	Device string
	// OffsetSector is the starting sector on the backing device.
	OffsetSector uint64
}

// String renders the target in dmsetup table format:
//
//	<start> <length> linear <device> <offset>
func (t LinearTarget) String() string {
	return fmt.Sprintf("%d %d linear %s %d", t.StartSector, t.LengthSectors, t.Device, t.OffsetSector)
}

// RenderTable renders a multi-segment linear table, one target per line,
// as accepted by "dmsetup create" on stdin.
func RenderTable(table []LinearTarget) string {
	lines := make([]string, len(table))
	for i, t := range table {
		lines[i] = t.String()
	}
	return strings.Join(lines, "\n")
}

// GetFullDevicePath returns full path for the given device name (like "/dev/mapper/name")
func GetFullDevicePath(deviceName string) string {
	if strings.HasPrefix(deviceName, DevMapperDir) {
		return deviceName
	}

	return DevMapperDir + deviceName
}
