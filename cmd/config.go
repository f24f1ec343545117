package cmd

import (
	"github.com/ItsBonfireTime/PRIME-Multigaming-Discord-Bot/primebot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := *cfg
		if !showSecrets {
			out = redactConfig(out)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(&out); err != nil {
			return err
		}
		return enc.Close()
	},
}

// redactConfig returns a copy of c with credentials masked. Nested
// structs are copied so the loaded config is left untouched.
func redactConfig(c primebot.Config) primebot.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	if c.Discord != nil {
		d := *c.Discord
		d.Token = mask(d.Token)
		c.Discord = &d
	}
	if c.Twitch != nil {
		tw := *c.Twitch
		tw.ClientSecret = mask(tw.ClientSecret)
		c.Twitch = &tw
	}
	if c.API != nil {
		a := *c.API
		a.Secret = mask(a.Secret)
		a.DashboardPassword = mask(a.DashboardPassword)
		c.API = &a
	}
	return c
}

//nolint:gochecknoinits
func init() {
	configCmd.Flags().BoolVar(
		&showSecrets,
		"show-secrets",
		false,
		"print tokens and secrets instead of masking them",
	)
	rootCmd.AddCommand(configCmd)
}
