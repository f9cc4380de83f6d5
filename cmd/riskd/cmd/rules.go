package cmd

import (
	"github.com/spf13/cobra"

	"github.com/atmx/funding-engine/internal/rules"
)

func newRulesCmd() *cobra.Command {
	var file string
	c := &cobra.Command{
		Use:   "rules",
		Short: "Print the effective tier rules as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				file = cfg.RulesFile
			}
			reg := rules.Default()
			if file != "" {
				var err error
				if reg, err = rules.LoadFile(file); err != nil {
					return err
				}
			}
			out, err := reg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "rules file to validate and print (defaults to RULES_FILE)")
	return c
}
