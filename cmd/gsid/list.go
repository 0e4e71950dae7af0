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
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

var listCommand = &cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "List backing images",
	Action: func(cliContext *cli.Context) error {
		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		infos, err := manager.Images(cliContext.Context)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 1, 8, 1, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE\tREADONLY\tFILES\tMAPPED\t")
		for _, info := range infos {
			fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\t\n",
				info.Name,
				units.HumanSize(float64(info.Size)),
				info.ReadOnly,
				len(info.Files),
				manager.IsImageMapped(info.Name))
		}
		return tw.Flush()
	},
}

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "Check that every image's backing files are present and still pinned",
	Action: func(cliContext *cli.Context) error {
		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		if err := manager.Validate(cliContext.Context); err != nil {
			return err
		}
		fmt.Println("all images are valid")
		return nil
	},
}

var removeAllCommand = &cli.Command{
	Name:  "remove-all",
	Usage: "Delete every backing image and the metadata store",
	Action: func(cliContext *cli.Context) error {
		manager, err := newManager(cliContext)
		if err != nil {
			return err
		}
		return manager.RemoveAllImages(cliContext.Context)
	},
}
