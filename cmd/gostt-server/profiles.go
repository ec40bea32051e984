package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-server/internal/profile"
)

var profilesJSON bool

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Show GPU profiles and the detected one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		detected := profile.Detect(ctx, &profile.NvidiaSMI{})
		host, hostErr := profile.HostInfo(ctx)

		out := cmd.OutOrStdout()
		if profilesJSON {
			report := struct {
				Detected string            `json:"detected"`
				Profiles []profile.Profile `json:"profiles"`
				Host     *profile.Host     `json:"host,omitempty"`
			}{Detected: detected, Profiles: profile.All()}
			if hostErr == nil {
				report.Host = &host
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		printProfiles(out, profile.All(), detected)
		if hostErr == nil {
			fmt.Fprintf(out, "\nHost: %d CPUs, %d MB RAM (%d MB available)\n", host.CPUs, host.MemoryTotalMB, host.MemoryAvailableMB)
		}
		return nil
	},
}

func printProfiles(w io.Writer, profiles []profile.Profile, detected string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tVRAM\tSTT\tLLM\tSTT MODELS")
	for _, p := range profiles {
		mark := ""
		if p.Name == detected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d GB\t%s\t%s\t%s\n",
			mark, p.Name, p.VRAMGB, p.RecommendedSTT, p.RecommendedLLM, strings.Join(p.STTModels, ", "))
	}
	tw.Flush()
}

func init() {
	profilesCmd.Flags().BoolVar(&profilesJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(profilesCmd)
}
