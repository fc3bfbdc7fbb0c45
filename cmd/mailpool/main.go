package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "mailpool",
		Short:        "Leases mail accounts to external workers and keeps their refresh tokens alive",
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "mailpool version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newRefreshCmd(), newLockCmd(), newVersionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
