package resources

import "github.com/beam-cloud/orchfs/pkg/types"

// Filter decides which resources appear in collection listings. Hidden
// resources stay in the cache and remain addressable by path.
type Filter struct {
	ExcludeTags []string
}

func NewFilter(cfg types.ListingConfig) Filter {
	return Filter{ExcludeTags: cfg.ExcludeTags}
}

func (f Filter) Visible(h *types.ResourceHandle) bool {
	return len(f.ExcludeTags) == 0 || !h.HasAnyTag(f.ExcludeTags)
}
