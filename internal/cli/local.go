package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/mvesched/internal/regs"
)

func newRegsCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "regs",
		Short: "Dump the register map as YAML",
		Long: "Without --live, print the register map of a freshly reset simulated\n" +
			"accelerator built from --config. With --live, fetch the daemon's registers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dump []regs.RegValue
			if live {
				resp, err := client.Get(cmd.Context(), "/api/v1/registers")
				if err != nil {
					return fmt.Errorf("get registers: %w", err)
				}
				if err := resp.decode(&dump); err != nil {
					return err
				}
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				hw := cfg.Hardware
				bank := regs.NewBank(regs.BankConfig{Slots: hw.Slots, Cores: hw.Cores, Version: hw.Version})
				dump = regs.Dump(bank, bank.Slots())
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(dump); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "Read the registers of the running daemon")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the defaults, or --config merged over them, as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
}
