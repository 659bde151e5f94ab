package vfs

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

const decorationDelay = 150 * time.Millisecond

// Decoration is the badge a host shows next to an entry.
type Decoration struct {
	Badge    string `json:"badge,omitempty"`
	Tooltip  string `json:"tooltip,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
	Draft    bool   `json:"draft,omitempty"`
}

// DecorationHost is told which paths need their decoration looked up again.
type DecorationHost interface {
	RefreshDecorations(paths []string) error
}

// Decoration returns the badge for p from cached state only.
func (a *Adapter) Decoration(p string) Decoration {
	t, err := vpath.Classify(p)
	if err != nil {
		return Decoration{}
	}

	s := a.current()
	if t.Root {
		switch s.client.Status() {
		case remote.StatusDisconnected:
			return Decoration{Badge: "!", Tooltip: "lost connection to server"}
		case remote.StatusUnauthenticated:
			return Decoration{Badge: "!", Tooltip: "authentication failed"}
		}
		return Decoration{}
	}
	if t.CollectionRoot {
		return Decoration{}
	}

	h, ok := s.cache.Lookup(t)
	if !ok {
		return Decoration{}
	}

	var d Decoration
	var tips []string
	if !s.filter.Visible(h) {
		d.Hidden, d.Badge = true, "H"
		tips = append(tips, "hidden from listings by tag")
	}
	if h.Signed {
		d.ReadOnly, d.Badge = true, "S"
		tips = append(tips, "signed, read-only")
	}
	if s.manager.Stuck(h.ID) {
		d.Draft, d.Badge = true, "D"
		tips = append(tips, "left in draft state, resume to publish")
	}
	d.Tooltip = strings.Join(tips, "; ")
	return d
}

// decorator forwards refresh requests to the host, debounced per path.
type decorator struct {
	host      DecorationHost
	debouncer *common.Debouncer
}

func newDecorator(host DecorationHost) *decorator {
	return &decorator{host: host, debouncer: common.NewDebouncer(decorationDelay)}
}

func (d *decorator) refresh(paths ...string) {
	if d.host == nil {
		return
	}
	for _, p := range paths {
		d.debouncer.Call(p, func() {
			if err := d.host.RefreshDecorations([]string{p}); err != nil {
				log.Warn().Err(err).Str("path", p).Msg("decoration refresh failed")
			}
		})
	}
}

func (d *decorator) stop() {
	d.debouncer.Stop()
}
