package qdb

// SequenceRow is the persisted state of one named sequence.
// (NextBoundary, LastUpdate) is the optimistic concurrency token.
type SequenceRow struct {
	Name         string `db:"name" json:"name"`
	Spacing      int64  `db:"spacing" json:"spacing"`
	NextBoundary int64  `db:"next_boundary" json:"next_boundary"`
	LastUpdate   int64  `db:"last_update" json:"last_update"`
}

type Version struct {
	NextBoundary int64 `json:"next_boundary"`
	LastUpdate   int64 `json:"last_update"`
}

func (r *SequenceRow) Version() Version {
	return Version{
		NextBoundary: r.NextBoundary,
		LastUpdate:   r.LastUpdate,
	}
}

// Matches reports whether the row still carries the given token.
func (r *SequenceRow) Matches(v Version) bool {
	return r.NextBoundary == v.NextBoundary && r.LastUpdate == v.LastUpdate
}
