package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/tlogplay/internal/tlog"
	"pkt.systems/tlogplay/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			if !verbose {
				_, err := fmt.Fprintf(out, "%s %s\n", info.Module, info)
				return err
			}
			_, err := fmt.Fprintf(out, "module:    %s\nversion:   %s\nrevision:  %s\ngo:        %s\ntlog:      message format up to %d.x\n",
				info.Module, info, info.Revision, info.GoVersion, tlog.MaxMajorVersion)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build and format details")
	return cmd
}
