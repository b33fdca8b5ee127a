/**
 * pestamp
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pestamp/pkg/patcher"
	"pestamp/pkg/pe"
)

var dryRun bool

var rootCmd = &cobra.Command{
	Use:   "pestamp <image> [pdb]",
	Short: "Make PE and PDB files byte-for-byte reproducible",
	Long: `pestamp rewrites the non-deterministic metadata a linker embeds in a
Windows PE image - the link-time timestamps and the random GUID binding
the image to its PDB - with deterministic values derived from the file's
own content. Rebuilding the same source then yields byte-identical
binaries.

When a PDB path is given, its header is rewritten to the same identity
so debuggers keep matching the two files.`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := args[0]
		pdbPath := ""
		if len(args) > 1 {
			pdbPath = args[1]
		}
		return patcher.PatchImage(imagePath, pdbPath, dryRun)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Display the identity fields a patch run would rewrite",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	view, err := pe.NewView(data)
	if err != nil {
		return err
	}

	fmt.Printf("Image: %s\n", args[0])
	fmt.Printf("Variant: %s\n", view.Variant)
	fmt.Printf("Machine: 0x%x\n", view.FileHeader.Machine)
	fmt.Printf("TimeDateStamp: 0x%08x\n", view.FileHeader.TimeDateStamp)
	if view.Variant == pe.PE32Plus {
		fmt.Printf("CheckSum: 0x%08x\n", view.Opt64.CheckSum)
	} else {
		fmt.Printf("CheckSum: 0x%08x\n", view.Opt32.CheckSum)
	}

	entries, err := view.DebugEntries()
	if err != nil {
		return err
	}
	for i := range entries {
		entry := &entries[i]
		fmt.Printf("Debug entry %d: type %d timestamp 0x%08x\n", i, entry.Type, entry.TimeDateStamp)
		if entry.Type != pe.IMAGE_DEBUG_TYPE_CODEVIEW {
			continue
		}
		cvInfo, err := view.CodeViewAt(entry)
		if err != nil {
			return err
		}
		guidStr, err := cvInfo.GUID().ToString("N")
		if err != nil {
			return err
		}
		fmt.Printf("  PDB: %s\n", cvInfo.PdbFileName)
		fmt.Printf("  GUID: %s\n", guidStr)
		fmt.Printf("  Age: %d\n", cvInfo.Age)
	}
	return nil
}

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the intended patches without modifying any file")
	rootCmd.AddCommand(infoCmd)
}

func main() {
	logrus.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
