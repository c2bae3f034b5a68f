package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/store"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or change runtime settings stored in the database",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openPostgres(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		keys := settings.Keys()
		if len(args) == 1 {
			k, err := settings.ParseKey(args[0])
			if err != nil {
				return err
			}
			keys = []settings.Key{k}
		}

		svc := settings.New(cfg.SettingsDefaults())
		return st.InTx(cmd.Context(), func(tx store.Tx) error {
			for _, k := range keys {
				v, err := svc.Get(cmd.Context(), tx, k)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
			}
			return nil
		})
	},
}

// Effects of a change (starting more runners) are picked up by the running
// broker on its next sweep.
var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k, err := settings.ParseKey(args[0])
		if err != nil {
			return err
		}
		st, err := openPostgres(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		svc := settings.New(cfg.SettingsDefaults())
		var stored string
		err = st.InTx(cmd.Context(), func(tx store.Tx) error {
			stored, _, err = svc.Set(cmd.Context(), tx, k, args[1])
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, stored)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
}
