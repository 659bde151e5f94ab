package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/lifecycle"
	"github.com/beam-cloud/orchfs/pkg/types"
)

type errorHelp struct {
	target      error
	message     string
	suggestions []string
}

// errorHelps maps orchfs errors to human-readable messages, checked in order.
var errorHelps = []errorHelp{
	{
		target:  types.ErrUnauthenticated,
		message: "Authentication failed",
		suggestions: []string{
			"Check " + CodeStyle.Render("server.username") + " and " + CodeStyle.Render("server.password") + " in your config",
			"Verify " + CodeStyle.Render("server.authPort") + " points at the token endpoint",
		},
	},
	{
		target:  types.ErrUnreachable,
		message: "Cannot reach the workflow server",
		suggestions: []string{
			"Check that the server is running",
			"Verify " + CodeStyle.Render("server.address") + " and " + CodeStyle.Render("server.port") + " in your config",
		},
	},
	{
		target:  types.ErrValidation,
		message: "The server rejected the content",
	},
	{
		target:  types.ErrStuckInDraft,
		message: "Saved, but the resource was left in draft",
		suggestions: []string{
			"Save the file again to retry the whole update",
			"Inside a running mount, publish it with " + CodeStyle.Render("orchfs resume <path>"),
		},
	},
	{
		target:  types.ErrCloneExists,
		message: "Cannot save under the declared name, it is already taken",
	},
	{
		target:  lifecycle.ErrNothingToResume,
		message: "Nothing to resume",
		suggestions: []string{
			"Resume only works against the mount that made the failed save",
			"Check that " + CodeStyle.Render("api.addr") + " points at that mount",
		},
	},
	{target: types.ErrPermission, message: "Operation not permitted"},
	{target: types.ErrExists, message: "Already exists"},
	{target: types.ErrNotFound, message: "Not found"},
	{
		target:  common.ErrLocked,
		message: "Another session is changing this resource",
		suggestions: []string{
			"Try again in a few moments",
		},
	},
}

func helpFor(err error) (errorHelp, bool) {
	for _, h := range errorHelps {
		if errors.Is(err, h.target) {
			return h, true
		}
	}
	return errorHelp{}, false
}

// FormatError converts an error to a human-readable message.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	msg := cleanErrorMessage(err.Error())
	if h, ok := helpFor(err); ok && !strings.Contains(strings.ToLower(msg), strings.ToLower(h.message)) {
		return fmt.Sprintf("%s (%s)", h.message, msg)
	}
	return msg
}

// GetErrorSuggestions returns helpful suggestions for an error
func GetErrorSuggestions(err error) []string {
	if h, ok := helpFor(err); ok {
		return h.suggestions
	}
	return nil
}

// cleanErrorMessage cleans up common error message patterns
func cleanErrorMessage(msg string) string {
	msg = strings.TrimPrefix(msg, "error: ")
	msg = strings.TrimPrefix(msg, "Error: ")

	// For deeply nested errors, keep the first and last parts
	if parts := strings.Split(msg, ": "); len(parts) > 3 {
		msg = parts[0] + ": " + parts[len(parts)-1]
	}
	return msg
}

// PrintFormattedError prints an error with styling, the server's validation
// messages and any suggestions.
func PrintFormattedError(err error) {
	fmt.Fprintln(stdout)
	PrintErrorMsg(FormatError(err))

	var verr *types.ValidationError
	if errors.As(err, &verr) {
		for _, d := range verr.Details {
			PrintBullet(d)
		}
	}

	if suggestions := GetErrorSuggestions(err); len(suggestions) > 0 {
		PrintSuggestions("Suggestions:", suggestions)
	}
	fmt.Fprintln(stdout)
}
