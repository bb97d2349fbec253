package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "sheetbuilder-client",
		Short:   "Submit PDFs to a sheetbuilder server and track their composition",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newSubmitCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
