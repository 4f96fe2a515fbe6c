// Package model holds the value types shared by every source and target:
// a User, the Groups it belongs to, and the field names a difference
// configuration may refer to.
package model

import (
	"sort"
	"strings"
	"unicode"
)

// Group is a value object. Name is the identity key within a user's group
// set. Email order is preserved for output but never matters for equality.
type Group struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Email       []string `yaml:"email"`
}

// User is a value object keyed by Username across all collections.
type User struct {
	Username string   `yaml:"username"`
	Forename string   `yaml:"forename"`
	Surname  string   `yaml:"surname"`
	Fullname string   `yaml:"fullname"`
	Email    []string `yaml:"email"`
	Groups   []Group  `yaml:"groups"`
	Locked   bool     `yaml:"locked"`
}

// Users is how sources and targets present their snapshot: a mapping from
// username to User. Uniqueness within one collection is assumed.
type Users map[string]User

// UserFields returns the names a difference config may list under "fields".
func UserFields() []string {
	return []string{"username", "forename", "surname", "fullname", "email", "groups", "locked"}
}

// GroupFields returns the names a difference config may list under "group_fields".
func GroupFields() []string {
	return []string{"name", "description", "email"}
}

// MandatoryUserFields are the fields a user entry must always carry.
func MandatoryUserFields() []string { return []string{"username"} }

// MandatoryGroupFields are the fields a group entry must always carry.
func MandatoryGroupFields() []string { return []string{"name"} }

// Normalize fills in the derived name fields and returns the result.
//
// This gets a bit into "fallacies programmers believe about names", but the
// working assumptions are: forename is the first word of the full name, the
// surname is everything after it, and a missing full name can be assembled
// from the two. Supplying all three explicitly leaves them untouched.
func (u User) Normalize() User {
	if u.Fullname != "" {
		first, rest := splitName(u.Fullname)
		if u.Forename == "" {
			u.Forename = first
		}
		if u.Surname == "" {
			u.Surname = rest
		}
		return u
	}

	var parts []string
	if u.Forename != "" {
		parts = append(parts, u.Forename)
	}
	if u.Surname != "" {
		parts = append(parts, u.Surname)
	}
	u.Fullname = strings.Join(parts, " ")
	return u
}

// splitName cuts a full name into its first whitespace-delimited token and
// the remainder. The remainder keeps internal spacing so multi-word surnames
// survive intact.
func splitName(full string) (first, rest string) {
	if i := strings.IndexFunc(full, unicode.IsSpace); i >= 0 {
		return full[:i], strings.TrimLeftFunc(full[i:], unicode.IsSpace)
	}
	return full, ""
}

// Clone returns a deep copy; slices are never shared with the receiver.
func (u User) Clone() User {
	c := u
	c.Email = append([]string(nil), u.Email...)
	c.Groups = nil
	for _, g := range u.Groups {
		c.Groups = append(c.Groups, g.Clone())
	}
	return c
}

// Clone returns a deep copy of the group.
func (g Group) Clone() Group {
	c := g
	c.Email = append([]string(nil), g.Email...)
	return c
}

// EqualStringSets reports whether two string slices hold the same elements
// regardless of order.
func EqualStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
