// Package profile holds the public profile fields darklook watches and the
// pure change detector over them.
package profile

import (
	"strconv"
	"strings"
)

// Field names a tracked profile field. The string value is what gets stored
// in change_history.field_name.
type Field string

const (
	FieldUsername  Field = "username"
	FieldFirstName Field = "first_name"
	FieldLastName  Field = "last_name"
)

// Fields is the fixed detection and notification order.
var Fields = []Field{FieldUsername, FieldFirstName, FieldLastName}

func (f Field) Valid() bool {
	switch f {
	case FieldUsername, FieldFirstName, FieldLastName:
		return true
	}
	return false
}

// Profile is the public view of an identity. Absent fields are "".
type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

// Get returns the value of f, or "" for an unknown field.
func (p Profile) Get(f Field) string {
	switch f {
	case FieldUsername:
		return p.Username
	case FieldFirstName:
		return p.FirstName
	case FieldLastName:
		return p.LastName
	}
	return ""
}

// With returns a copy of p with f set to v. Unknown fields leave p unchanged.
func (p Profile) With(f Field, v string) Profile {
	switch f {
	case FieldUsername:
		p.Username = v
	case FieldFirstName:
		p.FirstName = v
	case FieldLastName:
		p.LastName = v
	}
	return p
}

// FullName joins first and last name with a single space.
func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Label identifies a target in notifications: "@username" when known,
// otherwise the numeric id.
func Label(target int64, p Profile) string {
	if u := strings.TrimSpace(p.Username); u != "" {
		return "@" + strings.TrimPrefix(u, "@")
	}
	return strconv.FormatInt(target, 10)
}
