package pipeline

import "errors"

var (
	// ErrGroupFull is returned when a frame would push a group past its expected count.
	ErrGroupFull = errors.New("group already holds the expected number of frames")
	// ErrGroupSealed is returned when a frame arrives after its group was assembled.
	ErrGroupSealed = errors.New("group already assembled")
)

// Group tracks the frames a stacking placeholder is waiting on. It holds
// back-references only; frames keep their own lifecycle.
type Group struct {
	key        string
	expected   int
	frames     []*Item
	assembling bool
	sealed     bool
}

// NewGroup constructs an empty group. expected is clamped to at least one.
func NewGroup(key string, expected int) *Group {
	if expected < 1 {
		expected = 1
	}
	return &Group{key: key, expected: expected}
}

// Key returns the group key, which is also the assembled output path.
func (g *Group) Key() string { return g.key }

// Expected returns the configured frame count.
func (g *Group) Expected() int { return g.expected }

// Len returns the number of attached frames.
func (g *Group) Len() int { return len(g.frames) }

// Add attaches frame. Adding a frame that is already a member is a no-op.
func (g *Group) Add(frame *Item) error {
	if g.sealed {
		return ErrGroupSealed
	}
	for _, existing := range g.frames {
		if existing == frame || existing.Key == frame.Key {
			return nil
		}
	}
	if len(g.frames) >= g.expected {
		return ErrGroupFull
	}
	g.frames = append(g.frames, frame)
	return nil
}

// IsComplete reports whether every expected frame has attached.
func (g *Group) IsComplete() bool {
	return len(g.frames) == g.expected
}

// Frames returns the attached frames in arrival order.
func (g *Group) Frames() []*Item {
	out := make([]*Item, len(g.frames))
	copy(out, g.frames)
	return out
}

// FramePaths returns the local copies of the attached frames in arrival order.
func (g *Group) FramePaths() []string {
	out := make([]string, 0, len(g.frames))
	for _, frame := range g.frames {
		out = append(out, frame.Files.LocalOriginal)
	}
	return out
}

// BeginAssembly latches the group for a single in-flight assembly. It returns
// false when the group is incomplete, already assembling, or sealed.
func (g *Group) BeginAssembly() bool {
	if g.assembling || g.sealed || !g.IsComplete() {
		return false
	}
	g.assembling = true
	return true
}

// EndAssembly releases the latch after a failed or cancelled assembly.
func (g *Group) EndAssembly() {
	g.assembling = false
}

// Seal records a successful assembly and discards the frame references.
func (g *Group) Seal() {
	g.assembling = false
	g.sealed = true
	g.frames = nil
}

// Assembling reports whether an assembly is in flight.
func (g *Group) Assembling() bool { return g.assembling }

// Sealed reports whether the group has been assembled.
func (g *Group) Sealed() bool { return g.sealed }
