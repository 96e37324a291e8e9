package eventbus

import (
	"strings"
	"sync"

	"github.com/Strob0t/PRDForge/internal/domain/event"
)

// Topic patterns.
const (
	SystemPattern = "system.{event}"
	AgentPattern  = "agent.{agent}.{event}"
	Wildcard      = "*"
)

// FormatTopic substitutes {field} placeholders in pattern. A placeholder
// without a non-empty value yields an *InvalidTopicError.
func FormatTopic(pattern string, fields map[string]string) (string, error) {
	var b strings.Builder
	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", &InvalidTopicError{Topic: pattern, Reason: "unterminated placeholder"}
		}
		name := rest[open+1 : open+end]
		val := fields[name]
		if val == "" {
			return "", &InvalidTopicError{Topic: pattern, Reason: "missing field " + name}
		}
		if strings.ContainsAny(val, ".*") {
			return "", &InvalidTopicError{Topic: pattern, Reason: "field " + name + " must not contain '.' or '*'"}
		}
		b.WriteString(rest[:open])
		b.WriteString(val)
		rest = rest[open+end+1:]
	}
	return b.String(), nil
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithTaxonomy replaces the declared event types.
func WithTaxonomy(t event.Taxonomy) RouterOption {
	return func(r *Router) { r.taxonomy = t.Clone() }
}

// WithAgentEvents adds event types to the agent taxonomy.
func WithAgentEvents(types ...event.Type) RouterOption {
	return func(r *Router) {
		for _, t := range types {
			r.taxonomy.Agent[t] = true
		}
	}
}

// WithSystemEvents adds event types to the system taxonomy.
func WithSystemEvents(types ...event.Type) RouterOption {
	return func(r *Router) {
		for _, t := range types {
			r.taxonomy.System[t] = true
		}
	}
}

// Router maps (event type, agent) pairs to topics, validates topics against
// the taxonomy, and keeps the ordered subscription table.
type Router struct {
	taxonomy event.Taxonomy

	mu     sync.RWMutex
	topics map[string][]*subscription
	byID   map[string]*subscription
}

// NewRouter creates a router over the default taxonomy.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		taxonomy: event.DefaultTaxonomy(),
		topics:   make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps an event type and target agent to a topic. Broadcasts and
// system-monitor escalations resolve to system.<event>.
func (r *Router) Resolve(eventType event.Type, agentID string) (string, error) {
	if eventType == Wildcard {
		return Wildcard, nil
	}
	fields := map[string]string{"event": string(eventType)}
	if agentID == "" || agentID == event.Broadcast || agentID == event.SystemMonitor {
		return FormatTopic(SystemPattern, fields)
	}
	fields["agent"] = agentID
	return FormatTopic(AgentPattern, fields)
}

// ValidateEventType reports whether topic is well-formed and declared.
func (r *Router) ValidateEventType(topic string) bool {
	return r.Validate(topic) == nil
}

// Validate is ValidateEventType with the reason attached.
func (r *Router) Validate(topic string) error {
	if topic == Wildcard {
		return nil
	}
	parts := strings.Split(topic, ".")
	for _, p := range parts {
		if p == "" {
			return &InvalidTopicError{Topic: topic, Reason: "empty segment"}
		}
	}
	switch parts[0] {
	case "system":
		if len(parts) != 2 {
			return &InvalidTopicError{Topic: topic, Reason: "system topics have exactly 2 segments"}
		}
		if !r.taxonomy.System[event.Type(parts[1])] {
			return &InvalidTopicError{Topic: topic, Reason: "undeclared system event " + parts[1]}
		}
	case "agent":
		if len(parts) != 3 {
			return &InvalidTopicError{Topic: topic, Reason: "agent topics have exactly 3 segments"}
		}
		if !r.taxonomy.Agent[event.Type(parts[2])] {
			return &InvalidTopicError{Topic: topic, Reason: "undeclared agent event " + parts[2]}
		}
	default:
		return &InvalidTopicError{Topic: topic, Reason: "unrecognized topic shape"}
	}
	return nil
}

func (r *Router) add(s *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[s.topic] = append(r.topics[s.topic], s)
	r.byID[s.id] = s
}

func (r *Router) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	r.dropLocked(s)
	return true
}

// removeOwner drops every subscription owned by owner and returns how many.
func (r *Router) removeOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.byID {
		if s.owner == owner {
			r.dropLocked(s)
			n++
		}
	}
	return n
}

func (r *Router) dropLocked(s *subscription) {
	delete(r.byID, s.id)
	subs := r.topics[s.topic]
	kept := subs[:0:0]
	for _, other := range subs {
		if other.id != s.id {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(r.topics, s.topic)
		return
	}
	r.topics[s.topic] = kept
}

// match returns the subscriptions for topic plus wildcard subscriptions,
// merged in registration order. The slice is a snapshot.
func (r *Router) match(topic string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exact := r.topics[topic]
	wild := r.topics[Wildcard]
	if topic == Wildcard {
		wild = nil
	}
	out := make([]*subscription, 0, len(exact)+len(wild))
	i, j := 0, 0
	for i < len(exact) && j < len(wild) {
		if exact[i].seq < wild[j].seq {
			out = append(out, exact[i])
			i++
		} else {
			out = append(out, wild[j])
			j++
		}
	}
	out = append(out, exact[i:]...)
	out = append(out, wild[j:]...)
	return out
}

// countByOwner returns active subscription counts grouped by owner.
func (r *Router) countByOwner() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range r.byID {
		out[s.owner]++
	}
	return out
}
