// Package id provides ULID-based identifier generation for VM instances.
//
// ULIDs are lexicographically sortable, so log lines from many VMs order
// by creation time. The "vm_" prefix keeps identifiers readable in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// VMPrefix prefixes every VM identifier.
const VMPrefix = "vm"

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewVMID generates a new VM identifier
func NewVMID() string {
	return Default().GenerateWithPrefix(VMPrefix)
}

// IsValid checks if an ID carries the VM prefix and a parseable ULID.
func IsValid(id string) bool {
	if len(id) <= len(VMPrefix)+1 || id[:len(VMPrefix)+1] != VMPrefix+"_" {
		return false
	}
	_, err := ulid.Parse(id[len(VMPrefix)+1:])
	return err == nil
}
