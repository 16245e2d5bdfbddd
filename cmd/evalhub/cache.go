package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/discochess/evalhub/internal/cache/durabletier"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the durable evaluation cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show durable cache statistics",
	Long: `Display the durable cache's entry count, size on disk and the age
range of its contents.`,
	RunE: runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired and corrupt cache entries",
	RunE:  runCachePrune,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

func openCacheDir() (*durabletier.Tier, error) {
	if cacheDir == "" {
		return nil, fmt.Errorf("no cache directory; set --cache-dir")
	}
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("cache directory %q does not exist", cacheDir)
	}
	return durabletier.New(durabletier.Config{Root: cacheDir})
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	tier, err := openCacheDir()
	if err != nil {
		return err
	}

	st, err := tier.Stats()
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	fmt.Printf("Cache directory: %s\n", cacheDir)
	fmt.Printf("Entries:         %d\n", st.Entries)
	fmt.Printf("Total size:      %s\n", formatBytes(st.Bytes))
	fmt.Printf("Freshness TTL:   %s\n", tier.TTL())
	if st.Entries > 0 {
		fmt.Printf("Oldest entry:    %s\n", st.Oldest.Format("2006-01-02 15:04:05"))
		fmt.Printf("Newest entry:    %s\n", st.Newest.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	tier, err := openCacheDir()
	if err != nil {
		return err
	}

	removed, err := tier.Prune()
	if err != nil {
		return fmt.Errorf("pruning cache: %w", err)
	}

	if removed == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}
	fmt.Printf("Pruned %d entries.\n", removed)
	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
