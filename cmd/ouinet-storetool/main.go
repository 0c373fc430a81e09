// Command ouinet-storetool inspects and repairs a content store directory
// offline, without a running node holding its per-key locks.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	var storeRoot string
	root := &cobra.Command{Use: "ouinet-storetool"}
	root.PersistentFlags().StringVar(&storeRoot, "store", "", "path to the cache directory (repo/cache)")

	fsckCmd := &cobra.Command{
		Use:   "fsck",
		Short: "scan every entry, reporting or repairing corrupt ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, _ := cmd.Flags().GetBool("repair")
			return runFsck(storeRoot, repair, log)
		},
	}
	fsckCmd.Flags().Bool("repair", false, "remove entries that fail their integrity check")

	inspectCmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "print one entry's head, trailer and per-block digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(storeRoot, args[0])
		},
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "list every committed key under the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(storeRoot)
		},
	}

	root.AddCommand(fsckCmd, inspectCmd, lsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
