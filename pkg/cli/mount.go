package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/orchfs/pkg/gateway"
)

var noAPI bool

var mountCmd = &cobra.Command{
	Use:   "mount [path]",
	Short: "Mount the workflow server as a filesystem",
	Long: `Mount the workflow server at path, or at mount.mountPoint from the config.

The filesystem provides:
  /workflows/<name>/<name>.yaml  - workflow definition
  /workflows/<name>/<name>.json  - workflow view
  /workflows/<name>/README.md    - workflow documentation
  /actions/<name>.action         - ad-hoc actions
  /templates/<name>.jinja        - Jinja templates

The HTTP API is served on api.addr alongside the mount unless --no-api is set.
This command blocks until the filesystem is unmounted (Ctrl+C).`,
	Example: `  orchfs mount /mnt/orchfs --config orchfs.yaml
  orchfs mount --no-api -v`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := gateway.NewGateway(configPath)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			gw.Config.Mount.MountPoint = args[0]
		}
		if noAPI {
			gw.Config.API.Addr = ""
		}
		mountPoint := gw.Config.Mount.MountPoint
		if mountPoint == "" {
			gw.Shutdown()
			return fmt.Errorf("no mount point given and mount.mountPoint is empty")
		}
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			gw.Shutdown()
			return fmt.Errorf("failed to create mount point: %w", err)
		}

		gw.EnableMount(verbose)
		if err := gw.StartAsync(); err != nil {
			gw.Shutdown()
			return err
		}

		server := fmt.Sprintf("%s:%d", gw.Config.Server.Address, gw.Config.Server.Port)
		if !IsJSONOutput() {
			PrintMountStatus(mountPoint, server, gw.Config.API.Addr)
		}

		sigChan := make(chan os.Signal, 2)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case err = <-gw.MountDone():
		case <-sigChan:
			go bestEffortUnmountMountPoint(mountPoint)
			go gw.Shutdown()

			select {
			case err = <-gw.MountDone():
			case <-sigChan:
				// Second Ctrl+C: hard exit.
				os.Exit(1)
			case <-time.After(5 * time.Second):
				os.Exit(0)
			}
		}

		gw.Shutdown()
		if err != nil {
			return fmt.Errorf("mount failed: %w", err)
		}
		log.Info().Msg("unmounted")
		return nil
	},
}

func bestEffortUnmountMountPoint(mountPoint string) {
	// On macOS cgofuse's own unmount can hang, so the OS tools go first.
	if runtime.GOOS != "darwin" {
		return
	}

	cmds := [][]string{
		{"diskutil", "unmount", "force", mountPoint},
		{"diskutil", "unmount", mountPoint},
		{"umount", mountPoint},
		{"umount", "-f", mountPoint},
	}

	for _, args := range cmds {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := exec.CommandContext(ctx, args[0], args[1:]...).Run()
		cancel()
		if err == nil {
			return
		}
		if verbose {
			log.Debug().Strs("cmd", args).Err(err).Msg("unmount attempt failed")
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API without mounting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := gateway.NewGateway(configPath)
		if err != nil {
			return err
		}
		if gw.Config.API.Addr == "" {
			gw.Shutdown()
			return fmt.Errorf("api.addr is empty, nothing to serve")
		}
		return gw.Start()
	},
}

func init() {
	mountCmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not serve the HTTP API")
	rootCmd.AddCommand(mountCmd, serveCmd)
}
