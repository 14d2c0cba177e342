// Package main provides the clinvar2vcf command-line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitUsage   = 2
)

// Version information (set at build time)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const configName = ".clinvar2vcf"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// usageError marks failures caused by how the tool was invoked.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// execute runs the command line args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	v := viper.New()
	root := newRootCmd(v, stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)

	var ue *usageError
	if errors.As(err, &ue) || isCobraUsageError(err) {
		return ExitUsage
	}
	return ExitError
}

// isCobraUsageError recognizes argument and flag errors raised by cobra
// itself before any RunE is invoked.
func isCobraUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument", "flag needs an argument"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func newRootCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "clinvar2vcf",
		Short: "Convert ClinVar VCV XML releases to normalized VCF",
		Long: `clinvar2vcf streams a ClinVar VCV XML release, places every classified
variation on the chosen assembly, normalizes it against the reference genome and
writes a coordinate-sorted VCF.`,
		Version:       fmt.Sprintf("%s (%s) built %s", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cfgFile)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/"+configName+".yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newConvertCmd(v, stderr))
	root.AddCommand(newConfigCmd(v, stdout))
	return root
}

// loadConfig reads the config file and environment into v. A missing default
// config file is not an error.
func loadConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("CLINVAR2VCF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return usageErrorf("read config: %w", err)
	}
	return nil
}

// newLogger builds a console logger writing to w.
func newLogger(w io.Writer, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, usageErrorf("invalid log level %q", level)
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// defaultOutput derives the output path from the input name: the release
// basename without .xml and compression suffixes, plus .vcf.gz (.vcf when
// debug is set). When output names a directory the file is placed there.
func defaultOutput(input, output string, debug bool) string {
	ext := ".vcf.gz"
	if debug {
		ext = ".vcf"
	}

	base := filepath.Base(input)
	if input == "-" {
		base = "clinvar"
	}
	for _, suffix := range []string{".gz", ".zst", ".bz2"} {
		base = strings.TrimSuffix(base, suffix)
	}
	base = strings.TrimSuffix(base, ".xml") + ext

	if output == "" {
		return base
	}
	if fi, err := os.Stat(output); err == nil && fi.IsDir() {
		return filepath.Join(output, base)
	}
	return output
}
