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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearTargetString(t *testing.T) {
	target := LinearTarget{
		StartSector:   0,
		LengthSectors: 2048,
		Device:        "/dev/block/sda21",
		OffsetSector:  663552,
	}
	assert.Equal(t, "0 2048 linear /dev/block/sda21 663552", target.String())
}

func TestRenderTable(t *testing.T) {
	table := []LinearTarget{
		{StartSector: 0, LengthSectors: 1024, Device: "/dev/block/loop0", OffsetSector: 0},
		{StartSector: 1024, LengthSectors: 512, Device: "/dev/block/loop1", OffsetSector: 0},
	}
	expected := "0 1024 linear /dev/block/loop0 0\n1024 512 linear /dev/block/loop1 0"
	assert.Equal(t, expected, RenderTable(table))
}

func TestGetFullDevicePath(t *testing.T) {
	assert.Equal(t, "/dev/mapper/test", GetFullDevicePath("test"))
	assert.Equal(t, "/dev/mapper/test", GetFullDevicePath("/dev/mapper/test"))
}
