package filesystem

import "strings"

// isHostProbeName reports names that desktops, editors and VCS tools look up
// in every directory. None of them can exist in the tree, so lookups fail
// without asking the server.
func isHostProbeName(name string) bool {
	if strings.HasPrefix(name, "._") || strings.HasPrefix(name, ".metadata_") {
		return true
	}
	// FUSE-T SMB backend uses .fuse_hidden* for deferred deletes
	if strings.HasPrefix(name, ".fuse_hidden") {
		return true
	}
	switch name {
	// macOS system files
	case ".DS_Store", ".Spotlight-V100", ".Trashes", ".fseventsd", ".TemporaryItems", ".VolumeIcon.icns",
		".hidden", "DCIM":
		return true
	// VCS directories
	case ".git", ".gitignore", ".gitmodules", ".gitattributes", ".hg", ".svn":
		return true
	// Tool config files that ripgrep/editors probe at every directory level.
	case ".rgignore", ".ignore", ".editorconfig", ".vscode", ".idea",
		".envrc", ".env", ".tool-versions":
		return true
	}
	// macOS resource files like "Icon\r".
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
