// Package room coordinates multiple agents through a named rendezvous with
// mention routing: members join under an alias, say appends to the shared
// transcript, and @alias tokens route the message to each target's inbox.
package room

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Member is the slice of an agent a room needs: identity plus mention
// delivery. Implemented by *agent.Agent.
type Member interface {
	ID() string
	SendMention(sender, text string)
}

// Entry is one transcript line.
type Entry struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Room is a named rendezvous keyed by alias. Members are held behind the
// Member interface, never as owning references.
type Room struct {
	name string

	mu         sync.Mutex
	members    map[string]Member
	order      []string
	transcript []Entry
}

// New creates an empty room.
func New(name string) *Room {
	return &Room{name: name, members: make(map[string]Member)}
}

// Name returns the room's name.
func (r *Room) Name() string { return r.name }

// Join registers a member under an alias. Duplicate aliases are rejected.
func (r *Room) Join(alias string, m Member) error {
	if alias == "" || m == nil {
		return fmt.Errorf("room: alias and member are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[alias]; exists {
		return fmt.Errorf("room: alias %q already joined", alias)
	}
	r.members[alias] = m
	r.order = append(r.order, alias)
	return nil
}

// Leave removes a member by alias.
func (r *Room) Leave(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, alias)
	for i, a := range r.order {
		if a == alias {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Say appends to the transcript and forwards the message as a mention.
// Text with @alias tokens goes only to the named members; text without
// mentions goes to every other member. The sender never receives its own
// message.
func (r *Room) Say(sender, text string) error {
	r.mu.Lock()
	if _, ok := r.members[sender]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("room: unknown sender %q", sender)
	}
	r.transcript = append(r.transcript, Entry{Sender: sender, Text: text, Time: time.Now()})

	var targets []Member
	if mentioned := parseMentions(text); len(mentioned) > 0 {
		for _, alias := range mentioned {
			if alias == sender {
				continue
			}
			if m, ok := r.members[alias]; ok {
				targets = append(targets, m)
			}
		}
	} else {
		for _, alias := range r.order {
			if alias == sender {
				continue
			}
			if m, ok := r.members[alias]; ok {
				targets = append(targets, m)
			}
		}
	}
	r.mu.Unlock()

	for _, m := range targets {
		m.SendMention(sender, text)
	}
	return nil
}

// Transcript returns a copy of the ordered message history.
func (r *Room) Transcript() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.transcript...)
}

// Members returns the joined aliases in join order.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// parseMentions extracts unique @alias tokens in first-seen order.
func parseMentions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		alias := m[1]
		if !seen[alias] {
			seen[alias] = true
			out = append(out, alias)
		}
	}
	return out
}
