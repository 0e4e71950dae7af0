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

package main

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/TinkerBoard-Android/system-gsid/pkg/image"
)

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "Create a backing image",
	ArgsUsage: "[flags] <name>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "size",
			Aliases:  []string{"s"},
			Usage:    "Image size (e.g. \"512MB\", \"4GiB\"); must be a multiple of 512 bytes",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "readonly",
			Usage: "Mark the image read-only",
		},
		&cli.BoolFlag{
			Name:  "zero-fill",
			Usage: "Zero the image through a temporary mapping after creation",
		},
	},
	Action: func(cliContext *cli.Context) error {
		name := cliContext.Args().First()
		if name == "" {
			return errors.New("image name must be provided")
		}

		size, err := units.RAMInBytes(cliContext.String("size"))
		if err != nil {
			return fmt.Errorf("failed to parse image size: '%s': %w", cliContext.String("size"), err)
		}

		flags := image.CreateImageDefault
		if cliContext.Bool("readonly") {
			flags |= image.CreateImageReadonly
		}
		if cliContext.Bool("zero-fill") {
			flags |= image.CreateImageZeroFill
		}

		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		return manager.CreateBackingImage(cliContext.Context, name, uint64(size), flags, nil)
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Aliases:   []string{"del", "remove", "rm"},
	Usage:     "Delete a backing image",
	ArgsUsage: "<name>",
	Action: func(cliContext *cli.Context) error {
		name := cliContext.Args().First()
		if name == "" {
			return errors.New("image name must be provided")
		}

		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		return manager.DeleteBackingImage(cliContext.Context, name)
	},
}
