// Package uid generates opaque, unique issuance IDs.
package uid

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Generator returns a new unique ID on every call.
type Generator interface {
	Generate() string
}

// UUID generates RFC 9562 UUIDv7 strings.
type UUID struct{}

// NewUUID returns a UUID generator.
func NewUUID() *UUID {
	return &UUID{}
}

// Generate returns a new UUID string.
func (u *UUID) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString() // fallback: uuidV4
	}
	return id.String()
}

// Snowflake generates time ordered 64 bit IDs encoded in base58.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake returns a snowflake generator for the given node number
// (0-1023). Nodes sharing a store must use distinct numbers.
func NewSnowflake(node int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("error initializing snowflake node: %v", err)
	}
	return &Snowflake{node: n}, nil
}

// Generate returns a new snowflake ID.
func (s *Snowflake) Generate() string {
	return s.node.Generate().Base58()
}

// New returns the generator for the given format: "uuid" (default) or
// "snowflake".
func New(format string, node int64) (Generator, error) {
	switch format {
	case "", "uuid":
		return NewUUID(), nil
	case "snowflake":
		return NewSnowflake(node)
	}
	return nil, fmt.Errorf("unknown id format '%s'", format)
}
