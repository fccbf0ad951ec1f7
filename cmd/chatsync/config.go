package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().Bool("raw", false, "Print the config file as stored")
}

// configKey describes one setting, the variable that overrides it and how to
// read it back.
type configKey struct {
	name   string
	env    string
	secret bool
	get    func(*Config) string
}

var configKeys = []configKey{
	{name: "default.base_url", env: "CHATSYNC_BASE_URL", get: func(c *Config) string { return c.Default.BaseURL }},
	{name: "default.ws_url", env: "CHATSYNC_WS_URL", get: func(c *Config) string { return c.Default.WSURL }},
	{name: "default.company_code", env: "CHATSYNC_COMPANY_CODE", get: func(c *Config) string { return c.Default.CompanyCode }},
	{name: "auth.token", env: "CHATSYNC_TOKEN", secret: true, get: func(c *Config) string { return c.Auth.Token }},
	{name: "auth.user_id", env: "CHATSYNC_USER_ID", get: func(c *Config) string { return c.Auth.UserID }},
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

// validateConfigValue rejects endpoint URLs the client could never dial.
func validateConfigValue(key, value string) error {
	var schemes []string
	switch key {
	case "default.base_url":
		schemes = []string{"http", "https"}
	case "default.ws_url":
		schemes = []string{"ws", "wss"}
	default:
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, value)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s or %s, got %q", key, schemes[0], schemes[1], u.Scheme)
}

// settingSource reports where the effective value of k comes from.
func settingSource(k configKey, stored, effective *Config) string {
	switch {
	case os.Getenv(k.env) != "":
		return "env " + k.env
	case k.get(stored) != "":
		return "file"
	case k.name == "default.ws_url" && effective.Default.BaseURL != "":
		return "derived"
	default:
		return "unset"
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long: "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\n" +
		"CHATSYNC_* environment variables and a .env file override the stored values.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(out, "No configuration file found. Run 'chatsync init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		}

		stored, err := loadConfig()
		if err != nil {
			return err
		}
		effective, err := loadSettings()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, k := range configKeys {
			value := k.get(effective)
			source := settingSource(k, stored, effective)
			if source == "derived" {
				if derived, err := deriveWSURL(effective.Default.BaseURL); err == nil {
					value = derived
				}
			}
			if k.secret && value != "" {
				value = maskKey(value)
			}
			fmt.Fprintf(w, "%s\t%s\t(%s)\n", k.name, valueOrDefault(value, "-"), source)
		}
		return w.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.company_code ACME",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := validateConfigValue(key, value); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		k, _ := lookupConfigKey(key)
		if k.secret {
			shown = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		if k.env != "" && os.Getenv(k.env) != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is set and overrides this value.\n", k.env)
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], ""); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
