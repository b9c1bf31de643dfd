package consume

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/subject"
	"github.com/baechuer/jetbus/topology"
)

// Options shapes the durable consumer behind a registration. Zero
// values fall back to the configured defaults.
type Options struct {
	MaxDeliver int
	AckWait    time.Duration
	Backoff    []time.Duration
}

// Group is one subject pattern with its durable consumer spec and the
// subscribers attached to it. All subscribers in a group share one
// durable, so the ack decision for a delivery is joint across them.
type Group struct {
	Pattern subject.Subject
	Spec    topology.ConsumerSpec
	Subs    []Subscriber
}

// Registry collects subscriptions during startup. It is frozen before
// workers start; Add after Freeze is an error.
type Registry struct {
	cfg *config.Config

	mu     sync.Mutex
	frozen bool
	groups map[subject.Subject]*Group
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, groups: make(map[subject.Subject]*Group)}
}

// Add registers sub for one or more patterns (topic-part only, e.g.
// "order.*"; the env/app prefix is applied here). Patterns sharing a
// string share a group and its durable; the first registration fixes
// the group's consumer options and later conflicting options are
// rejected.
func (r *Registry) Add(sub Subscriber, patterns []string, opts Options) error {
	if sub == nil {
		return fmt.Errorf("registry: nil subscriber")
	}
	if sub.ID() == "" {
		return fmt.Errorf("registry: subscriber has empty id")
	}
	if len(patterns) == 0 {
		return fmt.Errorf("registry: subscriber %q registered no patterns", sub.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot add %q", sub.ID())
	}

	for _, p := range patterns {
		full, err := subject.Pattern(r.cfg.Env, r.cfg.AppName, p)
		if err != nil {
			return fmt.Errorf("registry: subscriber %q: %w", sub.ID(), err)
		}

		group, ok := r.groups[full]
		if !ok {
			group = &Group{
				Pattern: full,
				Spec: topology.ConsumerSpec{
					Pattern:    full,
					MaxDeliver: opts.MaxDeliver,
					AckWait:    opts.AckWait,
					Backoff:    opts.Backoff,
				},
			}
			r.groups[full] = group
		} else if !sameOptions(group.Spec, opts) {
			return fmt.Errorf("registry: pattern %q already registered with different consumer options", full)
		}

		for _, existing := range group.Subs {
			if existing.ID() == sub.ID() {
				return fmt.Errorf("registry: subscriber %q already registered for %q", sub.ID(), full)
			}
		}
		group.Subs = append(group.Subs, sub)
	}
	return nil
}

func sameOptions(spec topology.ConsumerSpec, opts Options) bool {
	if spec.MaxDeliver != opts.MaxDeliver || spec.AckWait != opts.AckWait {
		return false
	}
	if len(spec.Backoff) != len(opts.Backoff) {
		return false
	}
	for i, d := range spec.Backoff {
		if d != opts.Backoff[i] {
			return false
		}
	}
	return true
}

// Freeze locks the registry against further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Groups returns the registered groups sorted by pattern for
// deterministic startup order.
func (r *Registry) Groups() []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Overlapping reports pattern pairs that can receive the same concrete
// subject. Overlap is allowed; this exists for startup diagnostics.
func (r *Registry) Overlapping() [][2]subject.Subject {
	groups := r.Groups()
	var out [][2]subject.Subject
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if subject.Overlaps(groups[i].Pattern.String(), groups[j].Pattern.String()) {
				out = append(out, [2]subject.Subject{groups[i].Pattern, groups[j].Pattern})
			}
		}
	}
	return out
}
