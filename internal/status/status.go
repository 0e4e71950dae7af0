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

// Package status records which kernel objects were created while mapping
// an image. The record is the sole source of truth for teardown: its
// presence on disk means the image is mapped, and unmapping replays its
// steps in recorded order without re-deriving the mapping strategy.
//
// The on-disk format is one step per line:
//
//	dm:<device-mapper-node-name>
//	loop:<absolute-loop-device-path>
//
// If the first line is a dm: step, it names the outermost exposed device.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
)

// StepKind tags a teardown step.
type StepKind string

const (
	// StepDeviceMapper names a device-mapper node to delete.
	StepDeviceMapper StepKind = "dm"
	// StepLoopDevice names a loop device to detach.
	StepLoopDevice StepKind = "loop"
)

// Step is one kernel object created during mapping.
type Step struct {
	Kind  StepKind
	Value string
}

// DeviceMapperStep records a device-mapper node by name.
func DeviceMapperStep(name string) Step {
	return Step{Kind: StepDeviceMapper, Value: name}
}

// LoopDeviceStep records a loop device by path.
func LoopDeviceStep(path string) Step {
	return Step{Kind: StepLoopDevice, Value: path}
}

func (s Step) String() string {
	return string(s.Kind) + ":" + s.Value
}

// Ledger reads and writes per-image status records in a metadata
// directory.
type Ledger struct {
	dir string
}

// NewLedger returns a ledger rooted at the metadata directory.
func NewLedger(dir string) *Ledger {
	return &Ledger{dir: dir}
}

// Path returns the record path for an image name.
func (l *Ledger) Path(name string) string {
	return filepath.Join(l.dir, name+".status")
}

// Exists reports whether a record is present for the image.
func (l *Ledger) Exists(name string) bool {
	_, err := os.Stat(l.Path(name))
	return err == nil
}

// Write durably stores the ordered step list for an image. The record is
// written to a temporary file and renamed into place so readers never see
// a partial record.
func (l *Ledger) Write(ctx context.Context, name string, steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("refusing to write empty status record for %q", name)
	}
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return err
	}

	lines := make([]string, len(steps))
	for i, step := range steps {
		lines[i] = step.String()
	}

	path := l.Path(name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	_, werr := f.WriteString(strings.Join(lines, "\n") + "\n")
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not write status record %s: %w", path, werr)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not commit status record %s: %w", path, err)
	}
	return nil
}

// Read parses the step list back in recorded order. Malformed lines are
// logged and skipped so teardown proceeds best-effort even over a record
// written by a different version.
func (l *Ledger) Read(ctx context.Context, name string) ([]Step, error) {
	path := l.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read status record %s: %w", path, err)
	}

	var steps []Step
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		kind, value, found := strings.Cut(line, ":")
		if !found || value == "" {
			log.G(ctx).Errorf("unknown status line %q in %s", line, path)
			continue
		}
		switch StepKind(kind) {
		case StepDeviceMapper, StepLoopDevice:
			steps = append(steps, Step{Kind: StepKind(kind), Value: value})
		default:
			log.G(ctx).Errorf("unknown status tag %q in %s", kind, path)
		}
	}
	return steps, nil
}

// Remove deletes the record. A missing record is not an error.
func (l *Ledger) Remove(ctx context.Context, name string) error {
	if err := os.Remove(l.Path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
