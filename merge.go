package sawerni

import "sort"

// MergeMessages merges two message slices into one sequence with unique
// ids, sorted by CreatedAt ascending (ties broken by id so the result is
// deterministic). On a duplicate id the first occurrence wins, so callers
// put the more authoritative copy in existing.
//
// Pure and idempotent: MergeMessages(MergeMessages(a, b), b) equals
// MergeMessages(a, b). Every mutation of a thread goes through this
// function, which is what makes REST responses, optimistic inserts and
// realtime events safe to apply in any order.
func MergeMessages(existing, incoming []Message) []Message {
	merged := make([]Message, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))

	for _, list := range [][]Message{existing, incoming} {
		for _, m := range list {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// removeByID returns messages without the entry carrying id. Used by the
// send pipeline: a provisional message is removed by its temporary id
// before the server copy is merged in, so the two never coexist.
func removeByID(messages []Message, id string) []Message {
	out := messages[:0:0]
	for _, m := range messages {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
