// harbor-ctl is the operator CLI for a running l8e-harbor instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagServer   string
	flagToken    string
	flagInsecure bool
)

func main() {
	root := &cobra.Command{
		Use:           "harbor-ctl",
		Short:         "Manage routes and users on an l8e-harbor gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", "",
		"Gateway address (default https://localhost:8443, env HARBOR_SERVER)")
	root.PersistentFlags().StringVar(&flagToken, "token", "",
		"Bearer token (env HARBOR_TOKEN, or cached credentials)")
	root.PersistentFlags().BoolVar(&flagInsecure, "insecure-skip-tls-verify", false,
		"Skip TLS certificate verification")

	root.AddCommand(
		newLoginCmd(),
		newGetCmd(),
		newApplyCmd(),
		newDeleteCmd(),
		newExportCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
