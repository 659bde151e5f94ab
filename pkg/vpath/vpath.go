// Package vpath maps virtual paths to resource kinds and cache keys and back.
// It does no I/O.
//
//	/workflows/<name>/              workflow folder
//	/workflows/<name>/<name>.yaml   definition
//	/workflows/<name>/<name>.json   view
//	/workflows/<name>/README.md     documentation
//	/actions/<name>.action
//	/templates/<name>.jinja
package vpath

import (
	"fmt"
	"path"
	"strings"

	"github.com/beam-cloud/orchfs/pkg/types"
)

const (
	ReadmeFile = "README.md"

	extDefinition    = ".yaml"
	extView          = ".json"
	extDocumentation = ".md"
	extAction        = ".action"
	extTemplate      = ".jinja"
)

// Target is a classified virtual path.
type Target struct {
	Path           string
	Root           bool
	CollectionRoot bool
	Collection     string
	Kind           types.ResourceKind
	// Name is the resource name. For workflow folder children it is the workflow name.
	Name string
	// Key is the cache key of the resource.
	Key string
	// Ext is the extension found on the leaf of a flat collection path.
	Ext string
}

// IsDir reports whether the target is listed as a directory.
func (t Target) IsDir() bool {
	return t.Root || t.CollectionRoot || t.Kind == types.KindWorkflowFolder
}

// IsFolderChild reports whether the target is one of the three files of a workflow folder.
func (t Target) IsFolderChild() bool {
	switch t.Kind {
	case types.KindWorkflow, types.KindWorkflowView, types.KindWorkflowDocumentation:
		return true
	}
	return false
}

// Folder returns the enclosing workflow folder of a folder child.
func (t Target) Folder() Target {
	return ForKind(types.KindWorkflowFolder, t.Name)
}

// Sibling returns the target of kind in the same workflow folder.
func (t Target) Sibling(kind types.ResourceKind) Target {
	return ForKind(kind, t.Name)
}

func (t Target) String() string {
	return t.Path
}

// Classify parses p. Malformed paths return a *types.PermissionError and paths
// outside the three collections return types.ErrNotFound.
func Classify(p string) (Target, error) {
	segments := split(p)
	clean := "/" + strings.Join(segments, "/")

	for _, s := range segments {
		if strings.HasSuffix(s, ".") {
			return Target{}, types.NewPermissionError(clean, "path components cannot end in '.'")
		}
	}

	if len(segments) == 0 {
		return Target{Path: "/", Root: true}, nil
	}

	collection := segments[0]
	switch collection {
	case types.CollectionWorkflows, types.CollectionActions, types.CollectionTemplates:
	default:
		return Target{}, fmt.Errorf("%s: %w", clean, types.ErrNotFound)
	}

	if len(segments) == 1 {
		return Target{Path: clean, CollectionRoot: true, Collection: collection}, nil
	}

	if collection == types.CollectionWorkflows {
		return classifyWorkflow(clean, segments[1:])
	}

	if len(segments) > 2 {
		return Target{}, types.NewPermissionError(clean, "%s cannot contain directories", collection)
	}

	kind := types.KindAction
	if collection == types.CollectionTemplates {
		kind = types.KindTemplate
	}
	leaf := segments[1]
	ext := path.Ext(leaf)
	name := leaf
	if ext == ExtensionForKind(kind) {
		name = strings.TrimSuffix(leaf, ext)
	}
	return Target{
		Path:       clean,
		Collection: collection,
		Kind:       kind,
		Name:       name,
		Key:        leaf,
		Ext:        ext,
	}, nil
}

func classifyWorkflow(clean string, rest []string) (Target, error) {
	folder := rest[0]
	if len(rest) == 1 {
		if strings.Contains(folder, ".") {
			return Target{}, types.NewPermissionError(clean, "files cannot be created directly in %s, use a workflow folder", types.CollectionWorkflows)
		}
		return ForKind(types.KindWorkflowFolder, folder), nil
	}
	if len(rest) > 2 {
		return Target{}, types.NewPermissionError(clean, "workflow folder %q cannot contain directories", folder)
	}

	switch leaf := rest[1]; leaf {
	case folder + extDefinition:
		return ForKind(types.KindWorkflow, folder), nil
	case folder + extView:
		return ForKind(types.KindWorkflowView, folder), nil
	case ReadmeFile:
		return ForKind(types.KindWorkflowDocumentation, folder), nil
	default:
		if strings.Contains(leaf, ".") {
			return Target{}, types.NewPermissionError(clean, "workflow folder %q only holds %s, %s and %s",
				folder, folder+extDefinition, folder+extView, ReadmeFile)
		}
		return Target{}, types.NewPermissionError(clean, "workflow folder %q cannot contain directories", folder)
	}
}

func split(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ForKind builds the target of the named resource.
func ForKind(kind types.ResourceKind, name string) Target {
	t := Target{
		Path:       Join(kind, name),
		Collection: types.CollectionOf(kind),
		Kind:       kind,
		Name:       name,
		Key:        CacheKey(kind, name),
	}
	switch kind {
	case types.KindAction, types.KindTemplate:
		t.Ext = ExtensionForKind(kind)
	}
	return t
}

// ExtensionForKind returns the required suffix of a kind's file. Documentation
// uses the fixed name README.md and folders have none.
func ExtensionForKind(kind types.ResourceKind) string {
	switch kind {
	case types.KindWorkflow:
		return extDefinition
	case types.KindAction:
		return extAction
	case types.KindTemplate:
		return extTemplate
	case types.KindWorkflowView:
		return extView
	case types.KindWorkflowDocumentation:
		return ReadmeFile
	}
	return ""
}

// CacheKey returns the synthetic cache key of a resource.
func CacheKey(kind types.ResourceKind, name string) string {
	switch kind {
	case types.KindWorkflowFolder:
		return name
	case types.KindWorkflowDocumentation:
		return name + extDocumentation
	}
	return name + ExtensionForKind(kind)
}

// FileName returns the name a resource is listed under.
func FileName(kind types.ResourceKind, name string) string {
	if kind == types.KindWorkflowDocumentation {
		return ReadmeFile
	}
	return CacheKey(kind, name)
}

// Join returns the virtual path of a resource.
func Join(kind types.ResourceKind, name string) string {
	switch kind {
	case types.KindWorkflowFolder:
		return path.Join("/", types.CollectionWorkflows, name)
	case types.KindWorkflow, types.KindWorkflowView, types.KindWorkflowDocumentation:
		return path.Join("/", types.CollectionWorkflows, name, FileName(kind, name))
	}
	return path.Join("/", types.CollectionOf(kind), FileName(kind, name))
}

// ValidateWrite rejects content writes to targets that cannot hold content
// of their kind.
func ValidateWrite(t Target) error {
	switch {
	case t.Root, t.CollectionRoot:
		return types.NewPermissionError(t.Path, "is a directory")
	case t.Kind == types.KindWorkflowFolder:
		return types.NewPermissionError(t.Path, "is a workflow folder")
	}

	switch t.Kind {
	case types.KindAction, types.KindTemplate:
		want := ExtensionForKind(t.Kind)
		if t.Ext != want {
			return types.NewPermissionError(t.Path, "%s must use the %s extension", t.Collection, want)
		}
	}
	return ValidateName(t.Path, t.Name)
}

// ValidateName rejects names that cannot round-trip through a path.
func ValidateName(p, name string) error {
	switch {
	case name == "":
		return types.NewPermissionError(p, "name cannot be empty")
	case strings.ContainsAny(name, "/\\"):
		return types.NewPermissionError(p, "name %q cannot contain path separators", name)
	case strings.HasSuffix(name, "."):
		return types.NewPermissionError(p, "name %q cannot end in '.'", name)
	}
	return nil
}

// ValidateWorkflowName also rejects dots, which would make the folder look like a file.
func ValidateWorkflowName(p, name string) error {
	if err := ValidateName(p, name); err != nil {
		return err
	}
	if strings.Contains(name, ".") {
		return types.NewPermissionError(p, "workflow name %q cannot contain '.'", name)
	}
	return nil
}
