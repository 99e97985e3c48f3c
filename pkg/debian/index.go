package debian

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/klauspost/compress/gzip"
	version "github.com/knqyf263/go-deb-version"
	"golang.org/x/exp/maps"
	"pault.ag/go/debian/control"
)

var (
	ErrEmpty     = errors.New("no stanzas found")
	ErrNoPackage = errors.New("missing Package field")
)

// ParseStanzas reads a deb822 style stream and calls fn once for every
// stanza it contains.
//
// Lines that are neither a continuation nor a "Key: value" pair are
// ignored. The only error returned is one from the underlying reader.
func ParseStanzas(r io.Reader, fn func(Record)) error {
	br := bufio.NewReader(r)

	current := Record{}
	var lastKey string
	flush := func() {
		if len(current) > 0 {
			fn(current)
		}
		current = Record{}
		lastKey = ""
	}

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.TrimSpace(line) == "":
				flush()
			case line[0] == ' ' || line[0] == '\t':
				// continuation lines are joined without a separator
				if lastKey != "" {
					current[lastKey] += strings.TrimSpace(line)
				}
			default:
				key, value, ok := strings.Cut(line, ": ")
				if ok && key != "" {
					current[key] = strings.TrimSpace(value)
					lastKey = key
				}
			}
		}
		if errors.Is(err, io.EOF) {
			flush()
			return nil
		}
		if err != nil {
			flush()
			return err
		}
	}
}

// ParseIndex reads a "Packages" index and returns its stanzas keyed by
// package name. Stanzas without a Package field are discarded.
//
// If the reader fails part way through, the packages read so far are
// returned along with the error.
func ParseIndex(r io.Reader) (Database, error) {
	db := Database{}
	err := ParseStanzas(r, func(rec Record) {
		name, ok := rec[FieldPackage]
		if !ok {
			return
		}
		db[name] = rec
	})
	return db, err
}

// ParseRelease reads the first stanza of a distribution "Release" file.
func ParseRelease(r io.Reader) (*Release, error) {
	first, err := firstStanza(r)
	if err != nil {
		return nil, fmt.Errorf("reading release: %w", err)
	}
	return &Release{
		Suite:         first["Suite"],
		Codename:      first["Codename"],
		Components:    strings.Fields(first["Components"]),
		Architectures: strings.Fields(first["Architectures"]),
	}, nil
}

// ParseControl reads the control file of a binary package.
func ParseControl(r io.Reader) (Record, error) {
	rec, err := firstStanza(r)
	if err != nil {
		return nil, fmt.Errorf("reading control file: %w", err)
	}
	if rec.Name() == "" {
		return nil, fmt.Errorf("reading control file: %w", ErrNoPackage)
	}
	return rec, nil
}

func firstStanza(r io.Reader) (Record, error) {
	var first Record
	err := ParseStanzas(r, func(rec Record) {
		if first == nil {
			first = rec
		}
	})
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, ErrEmpty
	}
	return first, nil
}

// Merge copies every record in src into db using the given policy to
// settle duplicate names.
func (db Database) Merge(src Database, policy MergePolicy) {
	for name, rec := range src {
		existing, ok := db[name]
		if ok && policy == MergeNewest && !isNewer(rec.Version(), existing.Version()) {
			continue
		}
		db[name] = rec
	}
}

// isNewer returns true if s1 is a greater version than s2. If either
// version can't be parsed the newcomer wins, same as MergeLastWins.
func isNewer(s1, s2 string) bool {
	v1, err := version.NewVersion(s1)
	if err != nil {
		return true
	}
	v2, err := version.NewVersion(s2)
	if err != nil {
		return true
	}
	return v1.GreaterThan(v2)
}

// Names returns the package names in the database sorted
// alphabetically.
func (db Database) Names() []string {
	names := maps.Keys(db)
	slices.Sort(names)
	return names
}

// WriteIndex writes the given records as a gzipped "Packages" index so
// that a directory of archives can be used as a flat repository.
func WriteIndex(w io.Writer, records []Record) error {
	gw := gzip.NewWriter(w)
	for _, rec := range records {
		para := paragraph(rec)
		if err := para.WriteTo(gw); err != nil {
			_ = gw.Close()
			return err
		}
		if _, err := gw.Write([]byte("\n")); err != nil {
			_ = gw.Close()
			return err
		}
	}
	return gw.Close()
}

// paragraph converts a record into a control paragraph with the
// Package field first and the rest in alphabetical order.
func paragraph(rec Record) control.Paragraph {
	order := make([]string, 0, len(rec))
	if _, ok := rec[FieldPackage]; ok {
		order = append(order, FieldPackage)
	}
	keys := maps.Keys(rec)
	slices.Sort(keys)
	for _, k := range keys {
		if k != FieldPackage {
			order = append(order, k)
		}
	}
	return control.Paragraph{
		Values: rec,
		Order:  order,
	}
}
