package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "drawing-worker",
	Short: "Drawing processing worker",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
}
