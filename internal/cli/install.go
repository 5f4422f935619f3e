package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/lockc/internal/systemd"
)

var installUnitPath string

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVar(&installUnitPath, "unit-path", systemd.UnitFilePaths[0], "Where to write the systemd unit file")
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the systemd unit for the daemon",
	Long:  "Writes the lockcd.service unit file and records its hash so the daemon can warn when the unit is modified after installation.",
	RunE:  runInstall,
}

func runInstall(cmd *cobra.Command, args []string) error {
	if err := os.WriteFile(installUnitPath, []byte(systemd.DaemonTemplate()), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(systemd.UnitHashPath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := systemd.RecordUnitFileHash(); err != nil {
		return fmt.Errorf("record unit hash: %w", err)
	}
	fmt.Printf("installed %s\nrun: systemctl daemon-reload && systemctl enable --now lockcd\n", installUnitPath)
	return nil
}
