// Package profile defines evaluation quality tiers and resolves profile
// ids to immutable tier definitions.
package profile

import "sort"

// DefaultID is the profile used when an unknown id is requested.
const DefaultID = "standard"

// defaultLadder backs any profile registered without its own depth ladder.
var defaultLadder = []int{12, 16, 20, 24}

// ResourceHints carry engine tuning applied at backend handshake.
type ResourceHints struct {
	Threads int
	HashMB  int
	// SkillLevel limits engine strength when set. Nil leaves the
	// engine at full strength.
	SkillLevel *int
}

// Profile describes one evaluation quality tier. Profiles are loaded at
// service start and treated as read-only afterwards.
type Profile struct {
	ID string

	// DepthLadder lists the selectable target depths, ascending.
	DepthLadder []int
	// DefaultDepthIndex indexes into DepthLadder.
	DefaultDepthIndex int
	DefaultMultiPV    int

	// PassScheduleMs lists movetime budgets for progressive refinement,
	// ascending. A single-element schedule means one pass, no refinement.
	PassScheduleMs []int
	// EarlyStop allows the refinement scheduler to stop between passes
	// once consecutive passes converge. The deepest tiers disable it so
	// they always run the full schedule.
	EarlyStop bool

	Hints ResourceHints
}

// Depth returns the ladder depth at index, clamped to the ladder bounds.
func (p Profile) Depth(index int) int {
	steps := p.depthSteps()
	if index < 0 {
		index = 0
	}
	if index >= len(steps) {
		index = len(steps) - 1
	}
	return steps[index]
}

// DefaultDepth returns the depth at the profile's default ladder index.
func (p Profile) DefaultDepth() int {
	return p.Depth(p.DefaultDepthIndex)
}

func (p Profile) depthSteps() []int {
	if len(p.DepthLadder) > 0 {
		return p.DepthLadder
	}
	return defaultLadder
}

func intPtr(v int) *int { return &v }

// builtins returns the built-in tiers. "fast" serves latency-sensitive
// surfaces, "standard" is the default analysis tier, "deep" trades time
// for depth and always runs its full schedule, "casual" is strength
// limited for hint generation.
func builtins() []Profile {
	return []Profile{
		{
			ID:                "fast",
			DepthLadder:       []int{10, 14, 18},
			DefaultDepthIndex: 1,
			DefaultMultiPV:    1,
			PassScheduleMs:    []int{100, 250, 600},
			EarlyStop:         true,
			Hints:             ResourceHints{Threads: 1, HashMB: 16},
		},
		{
			ID:                "standard",
			DepthLadder:       []int{12, 16, 20, 24},
			DefaultDepthIndex: 1,
			DefaultMultiPV:    1,
			PassScheduleMs:    []int{150, 400, 1000},
			EarlyStop:         true,
			Hints:             ResourceHints{Threads: 2, HashMB: 64},
		},
		{
			ID:                "deep",
			DepthLadder:       []int{16, 20, 24, 28},
			DefaultDepthIndex: 2,
			DefaultMultiPV:    1,
			PassScheduleMs:    []int{300, 800, 2000, 5000},
			EarlyStop:         false,
			Hints:             ResourceHints{Threads: 4, HashMB: 256},
		},
		{
			ID:                "casual",
			DepthLadder:       []int{8, 12},
			DefaultDepthIndex: 0,
			DefaultMultiPV:    1,
			PassScheduleMs:    []int{100, 250},
			EarlyStop:         true,
			Hints:             ResourceHints{Threads: 1, HashMB: 16, SkillLevel: intPtr(10)},
		},
	}
}

// Registry resolves profile ids. Lookups for unknown ids fall back to
// the default profile instead of erroring.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry returns a registry seeded with the built-in profiles plus
// any extras. An extra sharing a built-in id replaces it.
func NewRegistry(extra ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range builtins() {
		r.profiles[p.ID] = sanitize(p)
	}
	for _, p := range extra {
		if p.ID == "" {
			continue
		}
		r.profiles[p.ID] = sanitize(p)
	}
	return r
}

// sanitize clamps registration-time fields so every stored profile is
// usable as-is: ladder present, default index in range, multipv >= 1.
func sanitize(p Profile) Profile {
	if len(p.DepthLadder) == 0 {
		p.DepthLadder = append([]int(nil), defaultLadder...)
	}
	if p.DefaultDepthIndex < 0 {
		p.DefaultDepthIndex = 0
	}
	if p.DefaultDepthIndex >= len(p.DepthLadder) {
		p.DefaultDepthIndex = len(p.DepthLadder) - 1
	}
	if p.DefaultMultiPV < 1 {
		p.DefaultMultiPV = 1
	}
	return p
}

// Get resolves id to a profile, falling back to the default profile for
// unknown or empty ids.
func (r *Registry) Get(id string) Profile {
	if p, ok := r.profiles[id]; ok {
		return p
	}
	return r.profiles[DefaultID]
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.profiles[id]
	return ok
}

// IDs returns the registered profile ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
