package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mr-karan/dnswatch/collector"
	"github.com/mr-karan/dnswatch/config"
)

var (
	cfgFile    string
	interfaces []string
	pcapFile   string
	listenAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dnswatch",
		Short: "Passive DNS query observer",
		Long:  "Capture DNS queries on the local host and serve live statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringSliceVarP(&interfaces, "interface", "i", nil, "capture on these interfaces instead of auto-detecting")
	rootCmd.Flags().StringVar(&pcapFile, "pcap", "", "replay a pcap file instead of capturing live")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "dashboard listen address")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "interfaces",
		Short: "List capture interfaces in the order they would be picked",
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := collector.DetectInterfaces()
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no usable interfaces found")
				return nil
			}
			for i, c := range candidates {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %-16s %s\n", i+1, c.Name, c.Reason)
			}
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("interface") {
		cfg.Capture.Interfaces = interfaces
	}
	if flags.Changed("pcap") {
		cfg.Capture.PcapFile = pcapFile
	}
	if flags.Changed("listen") {
		cfg.Server.Listen = listenAddr
		cfg.Server.Enabled = true
	}
	return cfg, nil
}
