//go:build linux

package filesystem

func (f *Filesystem) mountOptions() []string {
	return []string{
		"-o", "fsname=orchfs",
		"-o", "allow_other",
		"-o", "default_permissions",
		"-o", "entry_timeout=1",    // Server-side changes should surface quickly
		"-o", "attr_timeout=1",     // Cache attributes for 1s
		"-o", "negative_timeout=1", // Cache negative lookups for only 1s
		"-o", "max_read=1048576",   // 1MB max read size
	}
}
