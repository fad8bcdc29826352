package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/format"
	"pkt.systems/tlogplay/schema"
)

func newListCmd() *cobra.Command {
	var cfgPath string
	var user, since, until, sortBy string
	var desc bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			service, _, err := openLocalService(cmd.Context(), cfg, "")
			if err != nil {
				return err
			}
			defer func() { _ = service.Close() }()
			resp, err := service.ListRecordings(cmd.Context(), schema.ListRecordingsRequest{
				UserID: localUser,
				User:   user,
				Since:  since,
				Until:  until,
				Sort:   schema.RecordingSort(sortBy),
				Desc:   desc,
			})
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), format.NewPlainRenderer().FormatRecordings(resp.Recordings))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&user, "user", "u", "", "only recordings of this recorded user")
	cmd.Flags().StringVar(&since, "since", "", "only recordings ending after YYYY-MM-DD[ HH:MM[:SS]]")
	cmd.Flags().StringVar(&until, "until", "", "only recordings starting before YYYY-MM-DD[ HH:MM[:SS]]")
	cmd.Flags().StringVar(&sortBy, "sort", string(schema.SortByStart), "sort by start, end, duration or user")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	return cmd
}

func newShowCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "show <recording-id>",
		Short: "Show recording details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			id := schema.RecordingID(args[0])
			service, _, err := openLocalService(cmd.Context(), cfg, id)
			if err != nil {
				return err
			}
			defer func() { _ = service.Close() }()
			resp, err := service.GetRecording(cmd.Context(), schema.GetRecordingRequest{UserID: localUser, RecordingID: id})
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), format.NewPlainRenderer().FormatRecording(resp.Recording))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "search <recording-id> <text>",
		Short: "Find the positions where text appears in a recording",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			id := schema.RecordingID(args[0])
			service, _, err := openLocalService(cmd.Context(), cfg, id)
			if err != nil {
				return err
			}
			defer func() { _ = service.Close() }()
			resp, err := service.SearchRecording(cmd.Context(), schema.SearchRecordingRequest{
				UserID:      localUser,
				RecordingID: id,
				Text:        args[1],
			})
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), format.NewPlainRenderer().FormatMarkers(resp.Markers))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func printLines(w io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
