package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nao1215/onionctl/internal/config"
	"github.com/spf13/cobra"
)

//go:embed templates/onionctl.yaml
var configTemplate embed.FS

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an onionctl configuration file",
		Long: `Init writes a commented .onionctl configuration file.

Examples:
  # Create .onionctl in the current directory
  onionctl init

  # Write it somewhere else
  onionctl init -o ~/.onionctl

  # Overwrite an existing file
  onionctl init -f`,
		Args: cobra.NoArgs,
		RunE: runInitCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultConfigFile, "Output file path for the configuration")
	cmd.Flags().BoolP("force", "f", false, "Overwrite existing configuration file")
	return cmd
}

func runInitCmd(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	overwrite, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if err := writeTemplate(path, overwrite); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created configuration file: %s\n", path)
	return nil
}

// writeTemplate writes the embedded template to path. An existing file is
// only replaced when overwrite is set.
func writeTemplate(path string, overwrite bool) error {
	content, err := configTemplate.ReadFile("templates/onionctl.yaml")
	if err != nil {
		return fmt.Errorf("missing embedded template: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0600) //nolint:gosec // path comes from the user
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", path)
		}
		return fmt.Errorf("failed to create configuration file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return f.Close()
}
