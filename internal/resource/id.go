// Package resource contains code common to all resources (executions,
// runners, rules, etc)
package resource

import (
	"database/sql/driver"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

const (
	// base58 alphabet
	base58 = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	// length of id part of ID
	idLength = 16
)

// Kind distinguishes the kinds of resource an ID can identify.
type Kind string

const (
	ExecutionKind  Kind = "exec"
	RunnerKind     Kind = "runner"
	RuleKind       Kind = "rule"
	AllocationKind Kind = "alloc"
)

var (
	// EmptyID for use in comparisons to check whether an ID is
	// uninitialized.
	EmptyID = ID{}
	// regex for a valid ID
	idRegex = regexp.MustCompile(`^[a-z]{2,}-[` + base58 + `]{` + strconv.Itoa(idLength) + `}$`)
)

// ID uniquely identifies a tms resource.
type ID struct {
	Kind Kind
	ID   string
}

// NewID constructs a resource ID
func NewID(kind Kind) ID {
	return ID{Kind: kind, ID: generateRandomStringFromAlphabet(idLength, base58)}
}

// ParseID parses the ID from a string representation.
func ParseID(s string) (ID, error) {
	kind, id, found := strings.Cut(s, "-")
	if !found {
		return ID{}, fmt.Errorf("malformed ID: %s", s)
	}
	return ID{Kind: Kind(kind), ID: id}, nil
}

// MustParseID is for use in tests, or where the string is known to be valid.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err.Error())
	}
	return id
}

func (id ID) String() string {
	return fmt.Sprintf("%s-%s", id.Kind, id.ID)
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer, for persisting the ID as text.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner, for scanning the ID from its text
// representation.
func (id *ID) Scan(src any) error {
	switch s := src.(type) {
	case string:
		return id.UnmarshalText([]byte(s))
	case []byte:
		return id.UnmarshalText(s)
	default:
		return fmt.Errorf("cannot scan %T into resource ID", src)
	}
}

// Compare orders IDs lexically by their string representation, for use with
// the slices sorting functions.
func (id ID) Compare(other ID) int {
	return strings.Compare(id.String(), other.String())
}

// Valid reports whether the ID's string representation is well-formed.
func (id ID) Valid() bool {
	return idRegex.MatchString(id.String())
}

// generateRandomStringFromAlphabet generates a random string of a given size
// using characters from the given alphabet.
func generateRandomStringFromAlphabet(size int, alphabet string) string {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(buf)
}
