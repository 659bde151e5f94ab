package vpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/orchfs/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		kind types.ResourceKind
		name string
		key  string
	}{
		{"/workflows/demo", types.KindWorkflowFolder, "demo", "demo"},
		{"/workflows/demo/", types.KindWorkflowFolder, "demo", "demo"},
		{"/workflows/demo/demo.yaml", types.KindWorkflow, "demo", "demo.yaml"},
		{"workflows/demo/demo.json", types.KindWorkflowView, "demo", "demo.json"},
		{"/workflows/demo/README.md", types.KindWorkflowDocumentation, "demo", "demo.md"},
		{"/actions/foo.action", types.KindAction, "foo", "foo.action"},
		{"/templates/t1.jinja", types.KindTemplate, "t1", "t1.jinja"},
		{"//actions//foo.action", types.KindAction, "foo", "foo.action"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			target, err := Classify(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, target.Kind)
			assert.Equal(t, tt.name, target.Name)
			assert.Equal(t, tt.key, target.Key)
		})
	}
}

func TestClassify_Directories(t *testing.T) {
	root, err := Classify("/")
	require.NoError(t, err)
	assert.True(t, root.Root)
	assert.True(t, root.IsDir())

	for _, c := range types.Collections {
		target, err := Classify("/" + c)
		require.NoError(t, err)
		assert.True(t, target.CollectionRoot)
		assert.Equal(t, c, target.Collection)
		assert.True(t, target.IsDir())
	}

	folder, err := Classify("/workflows/demo")
	require.NoError(t, err)
	assert.True(t, folder.IsDir())
}

func TestClassify_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		message string
	}{
		{"trailing dot in folder", "/workflows/demo./demo.yaml", "cannot end in '.'"},
		{"trailing dot in file", "/actions/foo.", "cannot end in '.'"},
		{"dot segment", "/workflows/./demo", "cannot end in '.'"},
		{"dot dot segment", "/actions/../templates", "cannot end in '.'"},
		{"file directly in workflows", "/workflows/demo.yaml", "directly in workflows"},
		{"unknown file in folder", "/workflows/demo/notes.txt", `workflow folder "demo"`},
		{"mismatched definition", "/workflows/demo/other.yaml", `workflow folder "demo"`},
		{"directory in folder", "/workflows/demo/sub", "cannot contain directories"},
		{"deep nesting", "/workflows/demo/sub/demo.yaml", "cannot contain directories"},
		{"directory in actions", "/actions/dir/foo.action", "cannot contain directories"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrPermission)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestClassify_UnknownCollection(t *testing.T) {
	_, err := Classify("/.Trash")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestValidateWrite(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"/actions/foo.action", true},
		{"/actions/foo.yaml", false},
		{"/actions/foo", false},
		{"/actions/.action", false},
		{"/templates/t.jinja", true},
		{"/templates/t.j2", false},
		{"/workflows/demo/demo.yaml", true},
		{"/workflows/demo/demo.json", true},
		{"/workflows/demo/README.md", true},
		{"/workflows/demo", false},
		{"/workflows", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			target, err := Classify(tt.path)
			require.NoError(t, err)
			err = ValidateWrite(target)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrPermission)
			}
		})
	}
}

func TestExtensionForKind(t *testing.T) {
	assert.Equal(t, ".yaml", ExtensionForKind(types.KindWorkflow))
	assert.Equal(t, ".action", ExtensionForKind(types.KindAction))
	assert.Equal(t, ".jinja", ExtensionForKind(types.KindTemplate))
	assert.Equal(t, ".json", ExtensionForKind(types.KindWorkflowView))
	assert.Equal(t, "README.md", ExtensionForKind(types.KindWorkflowDocumentation))
	assert.Equal(t, "", ExtensionForKind(types.KindWorkflowFolder))
}

func TestJoinInvertsClassify(t *testing.T) {
	for _, kind := range types.AllKinds {
		p := Join(kind, "demo")
		target, err := Classify(p)
		require.NoError(t, err, p)
		assert.Equal(t, kind, target.Kind, p)
		assert.Equal(t, "demo", target.Name, p)
		assert.Equal(t, CacheKey(kind, "demo"), target.Key, p)
	}
}

func TestTarget_Siblings(t *testing.T) {
	target, err := Classify("/workflows/demo/demo.json")
	require.NoError(t, err)
	assert.True(t, target.IsFolderChild())
	assert.Equal(t, "/workflows/demo", target.Folder().Path)
	assert.Equal(t, "/workflows/demo/README.md", target.Sibling(types.KindWorkflowDocumentation).Path)
}
