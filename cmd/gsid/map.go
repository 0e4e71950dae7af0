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

	"github.com/urfave/cli/v2"

	"github.com/TinkerBoard-Android/system-gsid/pkg/image"
)

var mapCommand = &cli.Command{
	Name:      "map",
	Usage:     "Map a backing image to a block device and print its path",
	ArgsUsage: "[flags] <name>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Upper bound on the mapping operation",
			Value: image.DefaultMappingTimeout,
		},
	},
	Action: func(cliContext *cli.Context) error {
		name := cliContext.Args().First()
		if name == "" {
			return errors.New("image name must be provided")
		}

		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		path, err := manager.MapImageDevice(cliContext.Context, name, cliContext.Duration("timeout"))
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var unmapCommand = &cli.Command{
	Name:      "unmap",
	Usage:     "Unmap a backing image's block device",
	ArgsUsage: "[flags] <name>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Replay the status record even if the image does not appear to be mapped",
		},
	},
	Action: func(cliContext *cli.Context) error {
		name := cliContext.Args().First()
		if name == "" {
			return errors.New("image name must be provided")
		}

		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		return manager.UnmapImageDevice(cliContext.Context, name, cliContext.Bool("force"))
	},
}

var isMappedCommand = &cli.Command{
	Name:      "is-mapped",
	Usage:     "Report whether an image is currently mapped",
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
		if !manager.IsImageMapped(name) {
			return cli.Exit(fmt.Sprintf("image %q is not mapped", name), 1)
		}
		fmt.Printf("image %q is mapped\n", name)
		return nil
	},
}
