package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/gateway"
	"github.com/beam-cloud/orchfs/pkg/types"
)

// Build information (injected at compile time via ldflags)
var (
	Version = "dev"
)

const defaultCommandTimeout = 2 * time.Minute

var (
	configPath string
	jsonOutput bool
	verbose    bool

	// stdout receives command output; tests replace it.
	stdout io.Writer = os.Stdout
)

// Custom help template with styled output
var helpTemplate = `{{with .Long}}{{. | trim}}

{{end}}{{if .HasAvailableSubCommands}}` + `{{.CommandPath}}` + ` ` + `<command>` + `

{{end}}{{if .HasAvailableSubCommands}}Commands:
{{range .Commands}}{{if .IsAvailableCommand}}  {{rpad .Name .NamePadding }}  {{.Short}}
{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}
`

var rootCmd = &cobra.Command{
	Use:   "orchfs",
	Short: "Workflow server as a filesystem",
	Long: lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true).Render("orchfs") + ` - Workflow server as a filesystem

Browse and edit the workflows, actions and templates of a workflow server
as plain files, either through a FUSE mount or one command at a time.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		SetJSONOutput(jsonOutput)
	},
}

func init() {
	rootCmd.SetHelpTemplate(helpTemplate)
	rootCmd.SetVersionTemplate(fmt.Sprintf("  %s version %s\n", BrandStyle.Render("orchfs"), Version))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $ORCHFS_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
}

// Execute runs the CLI
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && !IsJSONOutput() {
		PrintFormattedError(err)
	}
	return err
}

// withSession runs fn against a one-shot session built from the config file.
// The session token is revoked when fn returns.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, gw *gateway.Gateway) error) error {
	gw, err := gateway.NewGateway(configPath)
	if err != nil {
		return err
	}
	defer gw.Shutdown()

	timeout := gw.Config.Mount.OpTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	return fn(ctx, gw)
}

func loadConfig() (types.AppConfig, error) {
	cm, err := common.NewConfigManager[types.AppConfig](configPath)
	if err != nil {
		return types.AppConfig{}, err
	}
	return cm.GetConfig(), nil
}
