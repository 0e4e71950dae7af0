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

// Package props tracks which images are currently mapped as process-wide
// key-value state. The tracker is an advisory cache over the durable
// status ledger, never the authority: a mapping created before the
// tracker was initialized (early boot) is visible only through the ledger
// and the device-mapper node itself.
package props

import "sync"

// keyPrefix namespaces mapped-image entries. Image names are not
// prefixed themselves; consumers of the image API must use
// globally-unique names.
const keyPrefix = "gsid.mapped_image."

// Tracker associates mapped image names with their device paths.
type Tracker interface {
	// Get returns the recorded device path for the image, if any.
	Get(name string) (string, bool)
	// Set records that the image is mapped at path.
	Set(name, path string) error
	// Clear removes the record for the image.
	Clear(name string) error
}

// Key returns the tracking key for an image name.
func Key(name string) string {
	return keyPrefix + name
}

// MemoryTracker is the default in-process Tracker.
type MemoryTracker struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryTracker returns an empty in-process tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{m: make(map[string]string)}
}

// Get implements Tracker.
func (t *MemoryTracker) Get(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	path, ok := t.m[Key(name)]
	return path, ok
}

// Set implements Tracker.
func (t *MemoryTracker) Set(name, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[Key(name)] = path
	return nil
}

// Clear implements Tracker.
func (t *MemoryTracker) Clear(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, Key(name))
	return nil
}
