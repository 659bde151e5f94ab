package lifecycle

import (
	"slices"
	"sync"
	"time"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
)

// Step is one remote call of a multi-step transition.
type Step string

const (
	StepValidate Step = "validate"
	StepCreate   Step = "create"
	StepDraft    Step = "draft"
	StepUpload   Step = "upload"
	StepPublish  Step = "publish"
	StepDelete   Step = "delete"
)

// Operation names the protocol a transition belongs to.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpRename Operation = "rename"
	OpDelete Operation = "delete"
)

var (
	createSteps = []Step{StepValidate, StepCreate, StepPublish}
	updateSteps = []Step{StepValidate, StepDraft, StepUpload, StepPublish}
	deleteSteps = []Step{StepDraft, StepDelete}
)

// Transition is the state of one workflow or action protocol run. It records
// how many steps completed so an interrupted run can resume where it stopped.
type Transition struct {
	Op   Operation
	Kind types.ResourceKind
	ID   string
	// Name is the resource name after the transition.
	Name string
	// From is the name before a rename, otherwise equal to Name.
	From    string
	Content []byte
	Steps   []Step
	Done    int
	Started time.Time

	// Summary is the server echo of the create or upload step.
	Summary *remote.Summary
}

func newTransition(op Operation, kind types.ResourceKind, id, from, name string, content []byte) *Transition {
	steps := updateSteps
	switch op {
	case OpCreate:
		steps = createSteps
	case OpDelete:
		steps = deleteSteps
	}
	return &Transition{
		Op:      op,
		Kind:    kind,
		ID:      id,
		Name:    name,
		From:    from,
		Content: content,
		Steps:   steps,
		Started: time.Now(),
	}
}

// Completed returns the last completed step, or "" before the first.
func (t *Transition) Completed() Step {
	if t.Done == 0 {
		return ""
	}
	return t.Steps[t.Done-1]
}

// Remaining returns the steps still to run.
func (t *Transition) Remaining() []Step {
	return t.Steps[t.Done:]
}

// InDraft reports whether the remote resource was left in DRAFT status by the
// completed steps.
func (t *Transition) InDraft() bool {
	done := t.Steps[:t.Done]
	drafted := slices.Contains(done, StepDraft) || slices.Contains(done, StepCreate)
	finished := slices.Contains(done, StepPublish) || slices.Contains(done, StepDelete)
	return drafted && !finished
}

// modified returns the server's update time, or now when the echo carried none.
func (t *Transition) modified() time.Time {
	if t.Summary != nil && !t.Summary.UpdatedAt.IsZero() {
		return t.Summary.UpdatedAt
	}
	return time.Now()
}

func (t *Transition) clone() *Transition {
	c := *t
	c.Steps = slices.Clone(t.Steps)
	c.Content = slices.Clone(t.Content)
	return &c
}

// Journal keeps the interrupted transitions of this session by resource id.
type Journal struct {
	mu      sync.Mutex
	pending map[string]*Transition
}

func NewJournal() *Journal {
	return &Journal{pending: make(map[string]*Transition)}
}

func (j *Journal) Record(t *Transition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[t.ID] = t.clone()
}

func (j *Journal) Get(id string) (*Transition, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.pending[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Find returns the pending transition of kind whose old or new name is name.
func (j *Journal) Find(kind types.ResourceKind, name string) (*Transition, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range j.pending {
		if t.Kind == kind && (t.Name == name || t.From == name) {
			return t.clone(), true
		}
	}
	return nil, false
}

func (j *Journal) Clear(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, id)
}

// Pending returns every interrupted transition, oldest first.
func (j *Journal) Pending() []*Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Transition, 0, len(j.pending))
	for _, t := range j.pending {
		out = append(out, t.clone())
	}
	slices.SortFunc(out, func(a, b *Transition) int { return a.Started.Compare(b.Started) })
	return out
}
