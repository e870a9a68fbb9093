// Package schema validates driver-declared field layouts and computes the
// implicit sizes and byte offsets spec.md §3 leaves for the core to fill in.
package schema

import (
	"fmt"

	"github.com/houndlabs/hound/internal/model"
)

// Source is the external collaborator that turns a schema file into schema
// descriptors. The YAML-file format itself is out of scope (spec.md's
// explicit Non-goal); this interface is the seam a loader would implement.
type Source interface {
	Load(schemaBase, schemaFile string) ([]model.SchemaDescriptor, error)
}

// StaticSource is a Source backed by descriptors built programmatically
// instead of read from a file, used by callers that declare a driver's
// layout in Go (cmd/houndd and the tests).
type StaticSource struct {
	Descriptors []model.SchemaDescriptor
}

// Load ignores both arguments and returns the descriptors it was built
// with, after validating and resolving them.
func (s StaticSource) Load(string, string) ([]model.SchemaDescriptor, error) {
	out := make([]model.SchemaDescriptor, len(s.Descriptors))
	for i, d := range s.Descriptors {
		resolved, err := Resolve(d)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// Resolve validates one descriptor's field list against spec.md §3's
// invariants and fills in any implicit Size/Offset values, returning a new
// descriptor (the input is left untouched).
func Resolve(d model.SchemaDescriptor) (model.SchemaDescriptor, error) {
	if d.Name == "" {
		return model.SchemaDescriptor{}, fmt.Errorf("schema %d: empty name", d.DataID)
	}
	if len(d.Fmts) == 0 {
		return model.SchemaDescriptor{}, fmt.Errorf("schema %q: no fields", d.Name)
	}

	fields := make([]model.FieldDescriptor, len(d.Fmts))
	copy(fields, d.Fmts)

	var offset uint32
	bytesSeen := -1
	for i := range fields {
		f := &fields[i]
		if f.Name == "" {
			return model.SchemaDescriptor{}, fmt.Errorf("schema %q: field %d has no name", d.Name, i)
		}

		fixedSize, fixed := f.Type.FixedSize()
		if fixed {
			f.Size = fixedSize
		}
		// A non-fixed field (TypeBytes) with Size == 0 is the variable-size
		// case (spec.md §3): it consumes no offset of its own and must be
		// the trailing field, enforced below.

		if f.Type == model.TypeBytes {
			if bytesSeen != -1 {
				return model.SchemaDescriptor{}, fmt.Errorf("schema %q: at most one bytes field allowed, found a second at %q", d.Name, f.Name)
			}
			bytesSeen = i
		}

		f.Offset = offset
		offset += f.Size
	}

	if bytesSeen != -1 && bytesSeen != len(fields)-1 {
		return model.SchemaDescriptor{}, fmt.Errorf("schema %q: bytes field %q must be last", d.Name, fields[bytesSeen].Name)
	}

	return model.SchemaDescriptor{
		DataID: d.DataID,
		Name:   d.Name,
		Fmts:   fields,
	}, nil
}

// RecordSize returns the total fixed-portion byte size implied by a
// resolved descriptor's fields (i.e. without any trailing variable bytes
// payload).
func RecordSize(d model.SchemaDescriptor) uint32 {
	var total uint32
	for _, f := range d.Fmts {
		total += f.Size
	}
	return total
}
