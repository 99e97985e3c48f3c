package debian

// Well-known fields of a package index stanza.
const (
	FieldPackage    = "Package"
	FieldVersion    = "Version"
	FieldDepends    = "Depends"
	FieldPreDepends = "Pre-Depends"
	FieldFilename   = "Filename"
	FieldSize       = "Size"
	FieldSHA256     = "SHA256"
)

// Record is a single stanza from a package index, keyed by field name.
type Record map[string]string

// Database maps package names to their index record.
type Database map[string]Record

// Closure is the result of resolving a set of requested packages.
type Closure struct {
	// Resolved contains every package that was found in the database.
	Resolved map[string]Record
	// Order lists the keys of Resolved in the order they were visited.
	Order []string
	// Missing lists the names that could not be found, sorted.
	Missing []string
}

// Release describes a distribution as advertised by its Release file.
type Release struct {
	Suite         string
	Codename      string
	Components    []string
	Architectures []string
}

// MergePolicy decides which record wins when two indices
// contain the same package name.
type MergePolicy string

const (
	MergeLastWins MergePolicy = "last"
	MergeNewest   MergePolicy = "newest"
)
