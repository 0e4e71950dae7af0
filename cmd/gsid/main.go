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
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	"github.com/TinkerBoard-Android/system-gsid/internal/dmsetup"
	"github.com/TinkerBoard-Android/system-gsid/pkg/image"
)

func init() {
	cli.VersionPrinter = func(cliContext *cli.Context) {
		fmt.Println(cliContext.App.Name, cliContext.App.Version)
		if v, err := dmsetup.Version(); err == nil {
			fmt.Println(v)
		}
	}
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "Print the version",

		DisableDefaultText: true,
	}
	cli.HelpFlag = &cli.BoolFlag{
		Name:    "help",
		Aliases: []string{"h"},
		Usage:   "Show help",

		DisableDefaultText: true,
	}
}

// App returns a *cli.App instance.
func App() *cli.App {
	app := cli.NewApp()
	app.Name = "gsid"
	app.Version = version
	app.Usage = "Manage file-backed virtual block devices"
	app.Description = `
gsid creates images as extent-backed files and exposes them as block
devices through device-mapper, loop devices, or both. Mappings are
recorded in a durable status ledger so they can be torn down exactly,
even by a process that did not create them.`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the configuration file",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Set the logging level [trace, debug, info, warn, error, fatal, panic]",
		},
		&cli.StringFlag{
			Name:  "metadata-dir",
			Usage: "Directory for the image metadata store and status records",
			Value: image.DefaultMetadataRoot,
		},
		&cli.StringFlag{
			Name:  "data-dir",
			Usage: "Directory for the backing image files",
			Value: image.DefaultDataRoot,
		},
		&cli.StringFlag{
			Name:  "max-file-size",
			Usage: "Split images across backing files of at most this size (e.g. \"4GB\"); 0 disables splitting",
		},
	}
	app.Commands = []*cli.Command{
		createCommand,
		deleteCommand,
		mapCommand,
		unmapCommand,
		isMappedCommand,
		listCommand,
		validateCommand,
		removeAllCommand,
	}
	app.Before = func(cliContext *cli.Context) error {
		if l := cliContext.String("log-level"); l != "" {
			return log.SetLevel(l)
		}
		return nil
	}
	return app
}

// newManager resolves the configuration file and command line flags into
// a manager. Flags given explicitly override the file.
func newManager(cliContext *cli.Context) (*image.Manager, error) {
	mc := image.Config{
		MetadataDir: cliContext.String("metadata-dir"),
		DataDir:     cliContext.String("data-dir"),
	}

	if path := cliContext.String("config"); path != "" {
		cfg, err := loadConfig(path)
		if err != nil {
			return nil, err
		}
		if !cliContext.IsSet("metadata-dir") {
			mc.MetadataDir = cfg.MetadataDir
		}
		if !cliContext.IsSet("data-dir") {
			mc.DataDir = cfg.DataDir
		}
		mc.MaxFileSize = cfg.MaxFileSizeBytes
	}

	if s := cliContext.String("max-file-size"); s != "" {
		maxFileSize, err := units.RAMInBytes(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max file size: '%s': %w", s, err)
		}
		mc.MaxFileSize = uint64(maxFileSize)
	}

	return image.New(mc)
}

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gsid: %s\n", err)
		os.Exit(1)
	}
}
