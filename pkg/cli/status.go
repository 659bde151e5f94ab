package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/orchfs/pkg/gateway"
	"github.com/beam-cloud/orchfs/pkg/remote"
)

type StatusInfo struct {
	Server     string `json:"server"`
	Username   string `json:"username,omitempty"`
	Status     string `json:"status"`
	Version    string `json:"version,omitempty"`
	APIPrefix  string `json:"api_prefix,omitempty"`
	Error      string `json:"error,omitempty"`
	Mount      string `json:"mount,omitempty"`
	Mounted    bool   `json:"mounted"`
	ConfigFile string `json:"config_file,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the connection to the workflow server",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
		client := gw.FS.Client()
		cfg := client.Config()

		info := StatusInfo{
			Server:     fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
			Username:   cfg.Username,
			Mount:      gw.Config.Mount.MountPoint,
			Mounted:    isMounted(gw.Config.Mount.MountPoint),
			ConfigFile: configPath,
		}

		version, err := client.Version(ctx)
		if err == nil {
			info.Version = version
			info.APIPrefix, err = client.APIPrefix(ctx)
		}
		if err == nil {
			_, err = gw.FS.ListDirectory(ctx, "/workflows")
		}
		info.Status = string(client.Status())
		if err != nil {
			info.Error = FormatError(err)
		}

		if PrintJSON(info) {
			return err
		}

		fmt.Fprintln(stdout)
		PrintKeyValue("Server", info.Server)
		if info.Username != "" {
			PrintKeyValue("User", info.Username)
		}
		switch client.Status() {
		case remote.StatusConnected:
			PrintKeyValue("Status", SuccessStyle.Render(info.Status))
		default:
			PrintKeyValue("Status", ErrorStyle.Render(info.Status))
		}
		if info.Version != "" {
			PrintKeyValue("Version", info.Version+DimStyle.Render(" ("+info.APIPrefix+")"))
		}
		PrintKeyValue("Mount", info.Mount)
		if info.Mounted {
			PrintKeyValue("Mounted", SuccessStyle.Render("yes"))
		} else {
			PrintKeyValue("Mounted", DimStyle.Render("no"))
		}
		fmt.Fprintln(stdout)

		if !info.Mounted && err == nil {
			PrintHint("Run 'orchfs mount' to mount")
		}
		return err
	})
}

// isMounted reports whether the collections are visible under path.
func isMounted(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(path, "workflows"))
	return err == nil
}
