package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/beam-cloud/orchfs/pkg/gateway"
	"github.com/beam-cloud/orchfs/pkg/types"
)

var validateKind string

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a definition or template with the server without saving it",
	Long: `Check a definition or template with the server without saving it.

Without --kind the kind is derived from the content: a body with base-input
is an action, anything else is validated as a workflow. Templates always
need --kind template.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		kind := types.ResourceKind(validateKind)
		switch kind {
		case "", types.KindWorkflow, types.KindAction, types.KindTemplate:
		default:
			return fmt.Errorf("--kind must be workflow, action or template")
		}

		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			cls, err := gw.FS.Manager().Validate(ctx, kind, data)
			if err != nil {
				return err
			}
			if PrintJSON(map[string]any{"valid": true, "kind": cls.Kind, "name": cls.Name, "heuristic": cls.Heuristic}) {
				return nil
			}

			what := cls.Kind.String()
			if cls.Name != "" {
				what += " " + CodeStyle.Render(cls.Name)
			}
			PrintSuccessf("valid %s", what)
			if cls.Heuristic {
				PrintHint("neither tasks nor base-input found, validated as a workflow")
			}
			return nil
		})
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateKind, "kind", "k", "", "workflow, action or template")
	rootCmd.AddCommand(validateCmd)
}
