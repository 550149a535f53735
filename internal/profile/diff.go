package profile

// FieldDelta is one observed field-level difference.
type FieldDelta struct {
	Field Field
	Old   string
	New   string
}

// Diff compares a stored profile against a freshly fetched one and returns
// the differing fields in Fields order. Comparison is exact; "" is a value.
// Diff(a, a) is always empty.
func Diff(stored, fresh Profile) []FieldDelta {
	var out []FieldDelta
	for _, f := range Fields {
		o, n := stored.Get(f), fresh.Get(f)
		if o != n {
			out = append(out, FieldDelta{Field: f, Old: o, New: n})
		}
	}
	return out
}
