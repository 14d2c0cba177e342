package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(v *viper.Viper, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage clinvar2vcf configuration",
		Long:  "Show, get, or set configuration values. Config is stored in ~/" + configName + ".yaml.",
		Example: `  clinvar2vcf config                                  # show all config
  clinvar2vcf config set reference /data/GRCh38.fa.gz  # default reference
  clinvar2vcf config set sort.chunk-size 500000       # larger in-memory runs
  clinvar2vcf config get assembly                     # get a value`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(v, stdout)
		},
	}

	cmd.AddCommand(newConfigSetCmd(v, stdout))
	cmd.AddCommand(newConfigGetCmd(v, stdout))

	return cmd
}

func newConfigSetCmd(v *viper.Viper, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(v, stdout, args[0], args[1])
		},
	}
}

func newConfigGetCmd(v *viper.Viper, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigGet(v, stdout, args[0])
		},
	}
}

// fileSettings returns only what is stored in the config file, leaving out
// flag defaults bound by other commands.
func fileSettings(v *viper.Viper) (map[string]any, error) {
	path := v.ConfigFileUsed()
	if path == "" {
		return map[string]any{}, nil
	}
	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return fv.AllSettings(), nil
}

func runConfigShow(v *viper.Viper, stdout io.Writer) error {
	settings, err := fileSettings(v)
	if err != nil {
		return err
	}
	if len(settings) == 0 {
		fmt.Fprintf(stdout, "# No configuration set. Config file: ~/%s.yaml\n", configName)
		return nil
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprint(stdout, string(out))
	return nil
}

func runConfigSet(v *viper.Viper, stdout io.Writer, key, value string) error {
	cfgFile := v.ConfigFileUsed()
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		cfgFile = filepath.Join(home, configName+".yaml")
	}

	// Write through a file-only view so env values are not persisted.
	fv := viper.New()
	fv.SetConfigFile(cfgFile)
	if _, err := os.Stat(cfgFile); err == nil {
		if err := fv.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Parse boolean-like values
	switch value {
	case "true", "yes", "on":
		fv.Set(key, true)
	case "false", "no", "off":
		fv.Set(key, false)
	default:
		fv.Set(key, value)
	}

	if err := fv.WriteConfigAs(cfgFile); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintf(stdout, "Set %s = %s in %s\n", key, value, cfgFile)
	return nil
}

func runConfigGet(v *viper.Viper, stdout io.Writer, key string) error {
	if !v.IsSet(key) {
		return fmt.Errorf("key %q is not set", key)
	}
	fmt.Fprintln(stdout, v.Get(key))
	return nil
}
