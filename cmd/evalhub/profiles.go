package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/discochess/evalhub/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the built-in quality profiles",
	Long: `List the quality profiles an evaluation can run under, with each
profile's depth ladder, default target depth, refinement pass schedule
and early-stop behavior.`,
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(cmd *cobra.Command, args []string) error {
	reg := profile.NewRegistry()

	fmt.Printf("%-10s %-14s %-8s %-20s %s\n", "ID", "DEPTHS", "DEFAULT", "PASSES (MS)", "EARLY STOP")
	for _, id := range reg.IDs() {
		p := reg.Get(id)
		name := p.ID
		if p.ID == profile.DefaultID {
			name += "*"
		}
		fmt.Printf("%-10s %-14s %-8d %-20s %s\n",
			name,
			joinInts(p.DepthLadder),
			p.DefaultDepth(),
			joinInts(p.PassScheduleMs),
			yesNo(p.EarlyStop),
		)
	}
	fmt.Println()
	fmt.Println("* default profile")
	return nil
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "/")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
