package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	apiv1 "github.com/beam-cloud/orchfs/pkg/api/v1"
	"github.com/beam-cloud/orchfs/pkg/gateway"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

var (
	putNoCreate    bool
	putNoOverwrite bool
	mvOverwrite    bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := argPath(args)
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			entries, err := gw.FS.ListVirtualFiles(ctx, p)
			if err != nil {
				return err
			}
			if PrintJSON(types.VirtualFileListResponse{Path: p, Entries: entries}) {
				return nil
			}
			printEntries(entries)
			return nil
		})
	},
}

func printEntries(entries []types.VirtualFile) {
	if len(entries) == 0 {
		PrintHint("empty")
		return
	}

	table := NewTable("NAME", "SIZE", "MODIFIED", "")
	for _, e := range entries {
		name := e.Name
		if e.IsFolder {
			name += "/"
		}
		modified := "-"
		if e.ModifiedAt != nil {
			modified = FormatRelativeTime(*e.ModifiedAt)
		}
		table.AddRow(name, FormatSize(e.Size), modified, BadgeStyle(e.Badge).Render(e.Badge))
	}
	table.Print()
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show metadata of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			vf, err := gw.FS.VirtualFile(ctx, args[0])
			if err != nil {
				return err
			}
			if PrintJSON(vf) {
				return nil
			}

			fmt.Fprintln(stdout)
			PrintKeyValue("Path", vf.Path)
			if vf.Kind != "" {
				PrintKeyValue("Kind", vf.Kind.String())
			}
			if vf.ID != "" {
				PrintKeyValue("ID", vf.ID)
			}
			PrintKeyValue("Size", FormatSize(vf.Size))
			if vf.ModifiedAt != nil {
				PrintKeyValue("Modified", FormatRelativeTime(*vf.ModifiedAt))
			}
			if vf.IsReadOnly {
				PrintKeyValue("Access", "read-only")
			}
			if vf.Badge != "" {
				PrintKeyValue("Badge", BadgeStyle(vf.Badge).Render(vf.Badge)+" "+DimStyle.Render(vf.Tooltip))
			}
			fmt.Fprintln(stdout)
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print the content of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			data, err := gw.FS.ReadFile(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <path> [file]",
	Short: "Store a file, reading stdin when no file is given",
	Example: `  orchfs put /actions/notify.action notify.yaml
  cat flow.yaml | orchfs put /workflows/flow/flow.yaml`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if len(args) == 2 {
			data, err = os.ReadFile(args[1])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			res, err := gw.FS.WriteFile(ctx, args[0], data, vfs.WriteOptions{
				Create:    !putNoCreate,
				Overwrite: !putNoOverwrite,
			})
			if err != nil {
				return err
			}

			out := map[string]any{"path": res.Target.Path, "created": res.Created, "saved_as": res.SavedAs}
			if res.Handle != nil {
				out["id"] = res.Handle.ID
			}
			if PrintJSON(out) {
				return nil
			}

			switch {
			case res.SavedAs:
				PrintWarning(fmt.Sprintf("content declares another name, saved as %s", res.Target.Path))
			case res.Created:
				PrintSuccessf("created %s", CodeStyle.Render(res.Target.Path))
			default:
				PrintSuccessf("updated %s", CodeStyle.Render(res.Target.Path))
			}
			return nil
		})
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <from> <to>",
	Short: "Rename a workflow folder, action or template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			if err := gw.FS.Rename(ctx, args[0], args[1], vfs.RenameOptions{Overwrite: mvOverwrite}); err != nil {
				return err
			}
			if PrintJSON(map[string]string{"from": args[0], "to": args[1]}) {
				return nil
			}
			PrintSuccessf("renamed %s to %s", CodeStyle.Render(args[0]), CodeStyle.Render(args[1]))
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a workflow folder, action or template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			if err := gw.FS.Delete(ctx, args[0]); err != nil {
				return err
			}
			if PrintJSON(map[string]string{"deleted": args[0]}) {
				return nil
			}
			PrintSuccessf("deleted %s", CodeStyle.Render(args[0]))
			return nil
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a workflow from the default skeleton",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
			if err := gw.FS.CreateDirectory(ctx, args[0]); err != nil {
				return err
			}
			if PrintJSON(map[string]string{"created": args[0]}) {
				return nil
			}
			PrintSuccessf("created workflow %s", CodeStyle.Render(path.Base(args[0])))
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [path]",
	Short: "Publish a resource that a failed save left in draft",
	Long: `Publish a resource that a failed save left in draft. Without a path,
list the saves that are waiting to be resumed.

Only the session that made the failed save knows which steps are left, so
resume asks the running mount through its HTTP API (api.addr).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPIClient(func(ctx context.Context, c *apiClient) error {
			if len(args) == 0 {
				return listPending(ctx, c)
			}
			var res apiv1.WriteResult
			if err := c.do(ctx, http.MethodPost, "/fs/resume", url.Values{"path": {args[0]}}, &res); err != nil {
				return err
			}
			if PrintJSON(res) {
				return nil
			}
			PrintSuccessf("published %s", CodeStyle.Render(res.Path))
			return nil
		})
	},
}

func listPending(ctx context.Context, c *apiClient) error {
	var pending []apiv1.PendingResume
	if err := c.do(ctx, http.MethodGet, "/fs/pending", nil, &pending); err != nil {
		return err
	}
	if PrintJSON(pending) {
		return nil
	}
	if len(pending) == 0 {
		PrintInfo("Nothing to resume")
		return nil
	}
	for _, p := range pending {
		PrintBullet(fmt.Sprintf("%s (%s stopped before %s)", CodeStyle.Render(p.Path), p.Op, strings.Join(p.Remaining, ", ")))
	}
	PrintHint("Run " + CodeStyle.Render("orchfs resume <path>") + " to publish one")
	return nil
}

func argPath(args []string) string {
	if len(args) == 0 || args[0] == "" {
		return "/"
	}
	return args[0]
}

func init() {
	putCmd.Flags().BoolVar(&putNoCreate, "no-create", false, "Fail if the file does not exist")
	putCmd.Flags().BoolVar(&putNoOverwrite, "no-overwrite", false, "Fail if the file already exists")
	mvCmd.Flags().BoolVar(&mvOverwrite, "overwrite", false, "Replace an existing target")

	rootCmd.AddCommand(lsCmd, statCmd, catCmd, putCmd, mvCmd, rmCmd, mkdirCmd, resumeCmd)
}
