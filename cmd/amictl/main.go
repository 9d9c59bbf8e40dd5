// amictl is the host-side management tool for sGCQ-attached accelerator
// cards: manufacturing info, flash partition tables, boot-image
// programming, and optical-module register writes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dl/amictl/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg cli.Config
	var formatArg, bootArg string
	code := cli.ExitOK

	root := &cobra.Command{
		Use:           "amictl",
		Short:         "Manage sGCQ-attached accelerator cards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfg.BDF, "device", "d", "", "device BDF (bb:dd.f)")
	root.PersistentFlags().StringVar(&cfg.WindowFile, "window", "", "plain window file instead of a PCI device")
	root.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose logging")

	addOutputFlags := func(c *cobra.Command) {
		c.Flags().StringVarP(&formatArg, "format", "f", "table", "output format (table|json)")
		c.Flags().StringVarP(&cfg.Output, "output", "o", "", "write output to file")
	}
	parseOutput := func() error {
		f, err := cli.ParseFormat(formatArg)
		if err != nil {
			return err
		}
		cfg.Format = f
		return nil
	}

	mfgInfo := &cobra.Command{
		Use:   "mfg_info",
		Short: "View manufacturing information",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := parseOutput(); err != nil {
				return err
			}
			code = cli.RunMfgInfo(cfg)
			return nil
		},
	}
	addOutputFlags(mfgInfo)

	cfgmemInfo := &cobra.Command{
		Use:   "cfgmem_info",
		Short: "View the flash partition table",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := parseOutput(); err != nil {
				return err
			}
			boot, err := cli.ParseBootDevice(bootArg)
			if err != nil {
				return err
			}
			cfg.BootDevice = boot
			code = cli.RunCfgmemInfo(cfg)
			return nil
		},
	}
	addOutputFlags(cfgmemInfo)
	cfgmemInfo.Flags().StringVarP(&bootArg, "type", "t", "primary", "boot device (primary|secondary)")
	cfgmemInfo.MarkFlagRequired("type")

	var partition uint8
	pdiProgram := &cobra.Command{
		Use:   "pdi_program",
		Short: "Program a boot image onto a device",
		RunE: func(_ *cobra.Command, _ []string) error {
			boot, err := cli.ParseBootDevice(bootArg)
			if err != nil {
				return err
			}
			cfg.BootDevice = boot
			cfg.Partition = partition
			code = cli.RunPDIProgram(cfg)
			return nil
		},
	}
	pdiProgram.Flags().StringVarP(&cfg.Image, "image", "i", "", "path to image file")
	pdiProgram.Flags().Uint8VarP(&partition, "partition", "p", 0, "target partition")
	pdiProgram.Flags().StringVarP(&bootArg, "type", "t", "primary", "boot device (primary|secondary)")
	pdiProgram.Flags().BoolVarP(&cfg.SkipConfirm, "yes", "y", false, "skip confirmation")
	pdiProgram.Flags().BoolVarP(&cfg.Force, "force", "a", false, "skip the parent UUID compatibility check")
	pdiProgram.MarkFlagRequired("image")

	moduleByteWr := &cobra.Command{
		Use:   "module_byte_wr",
		Short: "Write a byte into an optical module register page",
		RunE: func(_ *cobra.Command, _ []string) error {
			code = cli.RunModuleByteWr(cfg)
			return nil
		},
	}
	moduleByteWr.Flags().Uint8VarP(&cfg.Cage, "cage", "c", 0, "module cage id")
	moduleByteWr.Flags().Uint8VarP(&cfg.Page, "page", "p", 0, "page number")
	moduleByteWr.Flags().Uint8VarP(&cfg.Byte, "byte", "b", 0, "byte offset")
	moduleByteWr.Flags().Uint8VarP(&cfg.Value, "input", "i", 0, "byte value to write")
	moduleByteWr.MarkFlagRequired("cage")
	moduleByteWr.MarkFlagRequired("input")

	root.AddCommand(mfgInfo, cfgmemInfo, pdiProgram, moduleByteWr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "amictl: %v\n", err)
		return cli.ExitFail
	}
	return code
}
