package shardlayout

import (
	"sort"

	"github.com/wkarshat/nearcore/inter"
)

// Registry is a sorted mapping from "first version this layout applies at"
// to the Layout itself, mirroring the Config Resolver's own version-sorted
// lookup (spec.md §4.1): lookup is the greatest key <= v.
type Registry struct {
	versions []inter.ProtocolVersion
	layouts  []Layout
}

// NewRegistry builds a Registry from a set of layouts, sorting by version.
func NewRegistry(layouts ...Layout) *Registry {
	sorted := append([]Layout(nil), layouts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version() < sorted[j].Version() })
	r := &Registry{}
	for _, l := range sorted {
		r.versions = append(r.versions, l.Version())
		r.layouts = append(r.layouts, l)
	}
	return r
}

// ForVersion returns the layout active at protocol version v: the layout
// with the greatest Version() <= v. Panics if v is before every registered
// layout — a misconfigured registry is a setup bug, not a caller mistake.
func (r *Registry) ForVersion(v inter.ProtocolVersion) Layout {
	i := sort.Search(len(r.versions), func(i int) bool { return r.versions[i] > v }) - 1
	if i < 0 {
		panic("shardlayout: no layout registered at or before version")
	}
	return r.layouts[i]
}

// PendingResharding returns, for every shard in the layout active at
// fromVersion, the shards it splits into by the time toVersion is reached,
// walking each intermediate version boundary in the registry (spec.md
// §4.6, get_shard_uids_pending_resharding).
func (r *Registry) PendingResharding(fromVersion, toVersion inter.ProtocolVersion) map[ShardID][]ShardID {
	result := make(map[ShardID][]ShardID)
	if fromVersion >= toVersion {
		return result
	}

	cur := r.ForVersion(fromVersion)
	for _, v := range r.versions {
		if v <= fromVersion || v > toVersion {
			continue
		}
		next := r.ForVersion(v)
		if next.NumShards() == cur.NumShards() {
			continue
		}
		for _, from := range cur.ShardIDs() {
			children := next.SplitShards(cur, from)
			if len(children) > 1 {
				result[from] = append(result[from], children...)
			}
		}
		cur = next
	}
	return result
}
