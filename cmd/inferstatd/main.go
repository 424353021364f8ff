// Command inferstatd runs the batch core's HTTP front end and offers an
// operator CLI for inspecting it, in the teacher's cobra/tablewriter
// style (the teacher's own cmd/ package builds its CLI the same way).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "inferstatd",
		Short: "batch inference core: server and operator CLI",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
