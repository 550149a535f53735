package profile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	t.Parallel()
	alice := Profile{Username: "alice", FirstName: "Alice", LastName: "Liddell"}

	tests := []struct {
		name  string
		old   Profile
		fresh Profile
		want  []FieldDelta
	}{
		{name: "identical", old: alice, fresh: alice, want: nil},
		{name: "zero", old: Profile{}, fresh: Profile{}, want: nil},
		{
			name:  "username only",
			old:   alice,
			fresh: alice.With(FieldUsername, "alice2"),
			want:  []FieldDelta{{Field: FieldUsername, Old: "alice", New: "alice2"}},
		},
		{
			name:  "fixed order regardless of which fields differ",
			old:   alice,
			fresh: Profile{Username: "a", FirstName: "Alice", LastName: ""},
			want: []FieldDelta{
				{Field: FieldUsername, Old: "alice", New: "a"},
				{Field: FieldLastName, Old: "Liddell", New: ""},
			},
		},
		{
			name:  "empty string is a value",
			old:   Profile{},
			fresh: Profile{FirstName: " "},
			want:  []FieldDelta{{Field: FieldFirstName, Old: "", New: " "}},
		},
		{
			name:  "case sensitive",
			old:   alice,
			fresh: alice.With(FieldFirstName, "alice"),
			want:  []FieldDelta{{Field: FieldFirstName, Old: "Alice", New: "alice"}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, Diff(tt.old, tt.fresh)); diff != "" {
				t.Fatalf("Diff() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffAllFieldsOrdered(t *testing.T) {
	t.Parallel()
	got := Diff(Profile{"u1", "f1", "l1"}, Profile{"u2", "f2", "l2"})
	fields := make([]Field, 0, len(got))
	for _, d := range got {
		fields = append(fields, d.Field)
	}
	assert.Equal(t, Fields, fields)
}

func TestLabel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "@alice", Label(1, Profile{Username: "alice"}))
	assert.Equal(t, "@alice", Label(1, Profile{Username: "@alice"}))
	assert.Equal(t, "777", Label(777, Profile{FirstName: "no handle"}))
}

func TestFieldValid(t *testing.T) {
	t.Parallel()
	for _, f := range Fields {
		assert.True(t, f.Valid(), f)
	}
	assert.False(t, Field("bio").Valid())
	assert.Equal(t, Profile{LastName: "x"}, Profile{}.With(FieldLastName, "x"))
	assert.Equal(t, Profile{}, Profile{}.With(Field("bio"), "x"))
}
