package channel

import "slices"

// Entry is one remembered (topic, scope) pair.
type Entry struct {
	Topic    string
	Networks []string
}

// Group is a set of topics sharing one scope, in insertion order.
type Group struct {
	Topics   []string `json:"topics"`
	Networks []string `json:"networks,omitempty"`
}

// Intent is the ordered set of subscriptions that must be active whenever
// the channel is open. Scopes match only when their network lists are equal
// element by element. Intent is not safe for concurrent use.
type Intent struct {
	entries []Entry
}

// Add inserts the pairs not already present and returns their topics.
func (in *Intent) Add(topics, networks []string) (added []string) {
	for _, topic := range topics {
		if topic == "" || in.index(topic, networks) >= 0 {
			continue
		}
		in.entries = append(in.entries, Entry{
			Topic:    topic,
			Networks: slices.Clone(networks),
		})
		added = append(added, topic)
	}
	return added
}

// Remove deletes the matching pairs and returns the topics that were present.
func (in *Intent) Remove(topics, networks []string) (removed []string) {
	for _, topic := range topics {
		i := in.index(topic, networks)
		if i < 0 {
			continue
		}
		in.entries = slices.Delete(in.entries, i, i+1)
		removed = append(removed, topic)
	}
	return removed
}

// Has reports whether the pair is remembered.
func (in *Intent) Has(topic string, networks []string) bool {
	return in.index(topic, networks) >= 0
}

func (in *Intent) index(topic string, networks []string) int {
	return slices.IndexFunc(in.entries, func(e Entry) bool {
		return e.Topic == topic && slices.Equal(e.Networks, networks)
	})
}

// Groups returns the intent grouped by scope. Groups appear in the order their
// scope was first added; topics keep insertion order.
func (in *Intent) Groups() []Group {
	var groups []Group
	for _, e := range in.entries {
		i := slices.IndexFunc(groups, func(g Group) bool {
			return slices.Equal(g.Networks, e.Networks)
		})
		if i < 0 {
			groups = append(groups, Group{Networks: slices.Clone(e.Networks)})
			i = len(groups) - 1
		}
		groups[i].Topics = append(groups[i].Topics, e.Topic)
	}
	return groups
}

// Entries returns a copy of the remembered pairs.
func (in *Intent) Entries() []Entry {
	out := make([]Entry, len(in.entries))
	for i, e := range in.entries {
		out[i] = Entry{Topic: e.Topic, Networks: slices.Clone(e.Networks)}
	}
	return out
}

// Len returns the number of remembered pairs.
func (in *Intent) Len() int {
	return len(in.entries)
}

// Clear forgets everything.
func (in *Intent) Clear() {
	in.entries = nil
}
