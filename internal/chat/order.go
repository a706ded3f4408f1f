package chat

import (
	"sort"

	"github.com/samber/lo"
)

// Before reports whether a precedes b in a conversation log: by creation
// time, then store sequence, then identifier.
func Before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// SortMessages orders msgs in place, oldest first.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Before(msgs[i], msgs[j]) })
}

// MergeMessages combines a fetched snapshot with inserts observed through the
// change feed. Messages are deduplicated by ID (the snapshot copy wins) and
// returned oldest first. The result is never nil.
func MergeMessages(snapshot, observed []Message) []Message {
	merged := make([]Message, 0, len(snapshot)+len(observed))
	merged = append(merged, snapshot...)
	merged = append(merged, observed...)
	merged = lo.UniqBy(merged, func(m Message) string { return m.ID })
	SortMessages(merged)
	return merged
}

// InsertMessage adds msg to an ordered log unless a message with the same ID
// is already present. It reports whether the log changed.
func InsertMessage(log []Message, msg Message) ([]Message, bool) {
	if lo.ContainsBy(log, func(m Message) bool { return m.ID == msg.ID }) {
		return log, false
	}
	i := sort.Search(len(log), func(i int) bool { return Before(msg, log[i]) })
	log = append(log, Message{})
	copy(log[i+1:], log[i:])
	log[i] = msg
	return log, true
}
