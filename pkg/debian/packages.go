package debian

import (
	"path"
	"strings"
)

// ParseDepends extracts the package names from a "Depends" style
// field.
//
// Version constraints are dropped and alternatives (a | b) collapse to
// the first listed name.
//
// https://www.debian.org/doc/debian-policy/ch-relationships.html
func ParseDepends(s string) []string {
	var names []string
	if s == "" {
		return names
	}
	for _, clause := range strings.Split(s, ",") {
		clause, _, _ = strings.Cut(clause, "|")
		if name := leadingName(strings.TrimSpace(clause)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// leadingName returns the longest prefix of s made up of
// characters allowed in a package name.
func leadingName(s string) string {
	for i := 0; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return s[:i]
		}
	}
	return s
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '-', c == '.':
		return true
	}
	return false
}

func (r Record) Name() string {
	return r[FieldPackage]
}

func (r Record) Version() string {
	return r[FieldVersion]
}

func (r Record) Filename() string {
	return r[FieldFilename]
}

// Dependencies returns the names from the Depends field
// followed by those from the Pre-Depends field.
func (r Record) Dependencies() []string {
	return append(ParseDepends(r[FieldDepends]), ParseDepends(r[FieldPreDepends])...)
}

// ArchiveName is the name the package archive is saved under
// locally.
func (r Record) ArchiveName() string {
	filename := r.Filename()
	if filename == "" {
		return ""
	}
	return path.Base(filename)
}
