package sqlite

import (
	"github.com/oklog/ulid/v2"
)

// LocalIDPrefix marks identifiers minted on the device before the server
// assigns its own.
const LocalIDPrefix = "local_"

// ULIDGenerator generates ULID-based IDs.
type ULIDGenerator struct {
	prefix string
}

// NewULIDGenerator creates a generator of plain ULIDs.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// NewLocalIDGenerator creates a generator of "local_"-prefixed ULIDs.
func NewLocalIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{prefix: LocalIDPrefix}
}

// Generate generates a new ULID.
func (g *ULIDGenerator) Generate() string {
	return g.prefix + ulid.Make().String()
}
