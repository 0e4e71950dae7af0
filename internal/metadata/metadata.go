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

// Package metadata persists per-image size, flags and extent layout
// across restarts. The store is a bolt database kept in the image
// manager's metadata directory; records must never reference storage
// whose identity changes across reboot (see the device-mapper policy in
// the image package).
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
	errbolt "go.etcd.io/bbolt"

	"github.com/TinkerBoard-Android/system-gsid/internal/fiemap"
)

// dbFileName is the bolt database file inside a metadata directory.
const dbFileName = "gsid.db"

// Bucket names
var imagesBucketName = []byte("images") // Contains image metadata <image_name>=<ImageInfo>

var (
	// ErrNotFound represents an error returned when an image is not in the meta store
	ErrNotFound = errdefs.ErrNotFound
	// ErrAlreadyExists represents an error returned when an image can't be duplicated in the meta store
	ErrAlreadyExists = errdefs.ErrAlreadyExists
)

// ImageInfo is the persisted record for one backing image.
type ImageInfo struct {
	Name     string          `json:"name"`
	Size     uint64          `json:"size"`
	ReadOnly bool            `json:"readonly"`
	Files    []string        `json:"files"`
	Extents  []fiemap.Extent `json:"extents"`
}

// Store keeps image records for one metadata directory.
type Store struct {
	db *bolt.DB
}

// DBPath returns the database file path for a metadata directory.
func DBPath(dir string) string {
	return filepath.Join(dir, dbFileName)
}

// Exists reports whether a metadata store has ever been created in dir.
func Exists(dir string) bool {
	_, err := os.Stat(DBPath(dir))
	return err == nil
}

// Open creates or opens the metadata store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(DBPath(dir), 0600, nil)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db}
	if err := store.ensureDatabaseInitialized(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// ensureDatabaseInitialized creates buckets required for the store in order
// to avoid bucket existence checks across the code
func (s *Store) ensureDatabaseInitialized() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(imagesBucketName)
		return err
	})
}

// Update saves or replaces the record for an image.
func (s *Store) Update(ctx context.Context, info *ImageInfo) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putObject(tx.Bucket(imagesBucketName), info.Name, info, true)
	})
	if err != nil {
		return fmt.Errorf("failed to save metadata for image %q: %w", info.Name, err)
	}
	return nil
}

// FindImage retrieves the record for an image by name.
func (s *Store) FindImage(ctx context.Context, name string) (*ImageInfo, error) {
	var info ImageInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return getObject(tx.Bucket(imagesBucketName), name, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// HasImage reports whether a record exists for the name.
func (s *Store) HasImage(ctx context.Context, name string) bool {
	err := s.db.View(func(tx *bolt.Tx) error {
		return getObject(tx.Bucket(imagesBucketName), name, nil)
	})
	return err == nil
}

// ImageNames retrieves the list of image names currently stored.
func (s *Store) ImageNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(imagesBucketName).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Remove deletes the record for an image.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(imagesBucketName)
		if bucket.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		if err := bucket.Delete([]byte(name)); err != nil {
			return fmt.Errorf("failed to delete metadata for image %q: %w", name, err)
		}
		return nil
	})
}

// Close closes the metadata store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil && err != errbolt.ErrDatabaseNotOpen {
		return err
	}
	return nil
}

// RemoveAll deletes the store's database file. The store must be closed.
func RemoveAll(dir string) error {
	if err := os.Remove(DBPath(dir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func putObject(bucket *bolt.Bucket, key string, obj interface{}, overwrite bool) error {
	keyBytes := []byte(key)

	if !overwrite && bucket.Get(keyBytes) != nil {
		return fmt.Errorf("object with key %q already exists: %w", key, ErrAlreadyExists)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal object with key %q: %w", key, err)
	}

	if err := bucket.Put(keyBytes, data); err != nil {
		return fmt.Errorf("failed to insert object with key %q: %w", key, err)
	}

	return nil
}

func getObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}

	if obj != nil {
		if err := json.Unmarshal(data, obj); err != nil {
			return fmt.Errorf("failed to unmarshal object with key %q: %w", key, err)
		}
	}

	return nil
}
