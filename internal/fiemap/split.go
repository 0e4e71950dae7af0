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

package fiemap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// A split image keeps its first piece at the header path itself and
// subsequent pieces at "<header>.0001", "<header>.0002", ... in order.

func splitFileName(headerPath string, index int) string {
	if index == 0 {
		return headerPath
	}
	return fmt.Sprintf("%s.%04d", headerPath, index)
}

func splitIndex(headerPath, path string) (int, bool) {
	if path == headerPath {
		return 0, true
	}
	suffix, found := strings.CutPrefix(path, headerPath+".")
	if !found || len(suffix) != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// GetSplitFileList returns the ordered list of files backing the image at
// headerPath.
func GetSplitFileList(headerPath string) ([]string, error) {
	if _, err := os.Stat(headerPath); err != nil {
		return nil, err
	}

	type piece struct {
		index int
		path  string
	}
	pieces := []piece{{0, headerPath}}

	dir := filepath.Dir(headerPath)
	matches, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range matches {
		path := filepath.Join(dir, entry.Name())
		idx, ok := splitIndex(headerPath, path)
		if !ok || idx == 0 {
			continue
		}
		pieces = append(pieces, piece{idx, path})
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].index < pieces[j].index })

	list := make([]string, 0, len(pieces))
	for i, p := range pieces {
		if p.index != i {
			return nil, fmt.Errorf("image %s is missing split piece %d", headerPath, i)
		}
		list = append(list, p.path)
	}
	return list, nil
}

// RemoveSplitFiles removes every file backing the image at headerPath.
// Files that are already gone are not an error, so a failed creation can
// always be cleaned up.
func RemoveSplitFiles(headerPath string) error {
	list, err := GetSplitFileList(headerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var errs []error
	for _, path := range list {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
