// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// builtins are the ids every registry resolves without a declaration.
var builtins = map[string]*Descriptor{
	string(KindString):  {ID: string(KindString), Kind: KindString},
	string(KindInteger): {ID: string(KindInteger), Kind: KindInteger},
	string(KindFloat):   {ID: string(KindFloat), Kind: KindFloat},
	string(KindBoolean): {ID: string(KindBoolean), Kind: KindBoolean},
	string(KindObject):  {ID: string(KindObject), Kind: KindObject},
	string(KindArray):   {ID: string(KindArray), Kind: KindArray},
}

// Registry maps type ids to resolved descriptors.
//
// Description:
//
//	Registry is built once per run from the schema's type declarations. All
//	references are resolved eagerly, so lookups never fail for a declared id.
//
// Thread Safety:
//
//	Immutable after construction. Safe for concurrent use.
type Registry struct {
	types map[string]*Descriptor
}

// NewRegistry resolves a set of declarations.
//
// Description:
//
//	Resolves every declaration, following references between declared ids.
//	Built-in primitive ids cannot be redeclared.
//
// Inputs:
//
//	decls - Declarations keyed by type id. May be nil.
//
// Outputs:
//
//	*Registry - The immutable registry.
//	error - A *DeclarationError for the first failing id (in sorted id order).
func NewRegistry(decls map[string]*Declaration) (*Registry, error) {
	r := &resolver{
		decls:    decls,
		resolved: make(map[string]*Descriptor, len(decls)),
		visiting: make(map[string]bool),
	}

	ids := make([]string, 0, len(decls))
	for id := range decls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, ok := builtins[id]; ok {
			return nil, &DeclarationError{TypeID: id, Err: fmt.Errorf("%w: cannot redeclare built-in type", ErrInvalidDeclaration)}
		}
		d, err := r.resolveID(id)
		if err != nil {
			var de *DeclarationError
			if errors.As(err, &de) {
				return nil, err
			}
			return nil, &DeclarationError{TypeID: id, Err: err}
		}
		if depth := d.Depth(); depth > MaxDepth {
			return nil, &DeclarationError{TypeID: id, Err: fmt.Errorf("%w: depth %d > %d", ErrMaxDepth, depth, MaxDepth)}
		}
	}

	return &Registry{types: r.resolved}, nil
}

// Resolve returns the descriptor for a type id.
//
// Outputs:
//
//	*Descriptor - The resolved type.
//	error - Wraps ErrUnknownType if the id is neither built in nor declared.
func (r *Registry) Resolve(id string) (*Descriptor, error) {
	if d, ok := builtins[id]; ok {
		return d, nil
	}
	if r != nil {
		if d, ok := r.types[id]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, id)
}

// Has reports whether id resolves.
func (r *Registry) Has(id string) bool {
	_, err := r.Resolve(id)
	return err == nil
}

// IDs returns the declared (non built-in) ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate reports whether value conforms to the type id.
// Unknown ids never validate.
func (r *Registry) Validate(id string, value any) bool {
	return r.Conform(id, value) == nil
}

// Conform checks value against the type id and explains the first mismatch.
//
// Outputs:
//
//	error - nil on success, wraps ErrUnknownType or is a *ConformanceError.
func (r *Registry) Conform(id string, value any) error {
	d, err := r.Resolve(id)
	if err != nil {
		return err
	}
	return Conform(d, value)
}

// Compatible reports whether a value of type provided can be used where
// required is expected. Unknown ids are never compatible.
func (r *Registry) Compatible(required, provided string) bool {
	req, err := r.Resolve(required)
	if err != nil {
		return false
	}
	prov, err := r.Resolve(provided)
	if err != nil {
		return false
	}
	return Compatible(req, prov)
}

// Compatible reports whether provided satisfies required structurally.
//
// Description:
//
//	Identical ids are compatible. Otherwise kinds must match, except that an
//	integer satisfies a float. A bare object or array accepts any object or
//	array. A typed object requires each of its properties to be present in
//	provided with a compatible type; extra provided properties are allowed.
func Compatible(required, provided *Descriptor) bool {
	if required == nil || provided == nil {
		return false
	}
	if required == provided || (required.ID != "" && required.ID == provided.ID) {
		return true
	}

	if required.Kind != provided.Kind {
		return required.Kind == KindFloat && provided.Kind == KindInteger
	}

	switch required.Kind {
	case KindObject:
		for _, p := range required.Properties {
			pt, ok := provided.Property(p.Name)
			if !ok || !Compatible(p.Type, pt) {
				return false
			}
		}
		return true
	case KindArray:
		if required.Items == nil {
			return true
		}
		if provided.Items == nil {
			return false
		}
		return Compatible(required.Items, provided.Items)
	default:
		return true
	}
}

// Conform checks value against d.
//
// Values are expected in the shapes produced by encoding/json and yaml.v3:
// map[string]any for objects and []any (or any slice) for arrays. Go integer
// kinds and integral floats satisfy "integer"; any number satisfies "float".
// A nil value never conforms.
func Conform(d *Descriptor, value any) error {
	return conform(d, value, "$")
}

func conform(d *Descriptor, value any, path string) error {
	if value == nil {
		return &ConformanceError{Path: path, Expected: d.Kind, Reason: "value is null"}
	}

	switch d.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return mismatch(d, value, path)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return mismatch(d, value, path)
		}
	case KindInteger:
		if !isInteger(value) {
			return mismatch(d, value, path)
		}
	case KindFloat:
		if !isNumber(value) {
			return mismatch(d, value, path)
		}
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return mismatch(d, value, path)
		}
		for _, p := range d.Properties {
			member, present := obj[p.Name]
			if !present {
				return &ConformanceError{Path: path + "." + p.Name, Expected: p.Type.Kind, Reason: "missing property"}
			}
			if err := conform(p.Type, member, path+"."+p.Name); err != nil {
				return err
			}
		}
	case KindArray:
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return mismatch(d, value, path)
		}
		if _, isBytes := value.([]byte); isBytes {
			return mismatch(d, value, path)
		}
		if d.Items == nil {
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			if err := conform(d.Items, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		return &ConformanceError{Path: path, Expected: d.Kind, Reason: "unknown kind"}
	}
	return nil
}

func mismatch(d *Descriptor, value any, path string) error {
	return &ConformanceError{Path: path, Expected: d.Kind, Reason: fmt.Sprintf("got %T", value)}
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return !math.IsInf(n, 0) && n == math.Trunc(n)
	case float32:
		f := float64(n)
		return !math.IsInf(f, 0) && f == math.Trunc(f)
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return !math.IsNaN(n)
	case float32:
		return !math.IsNaN(float64(n))
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}

// =============================================================================
// Resolution (Internal)
// =============================================================================

type resolver struct {
	decls    map[string]*Declaration
	resolved map[string]*Descriptor
	visiting map[string]bool
}

// resolveID resolves a built-in or declared id, detecting reference loops.
func (r *resolver) resolveID(id string) (*Descriptor, error) {
	if d, ok := builtins[id]; ok {
		return d, nil
	}
	if d, ok := r.resolved[id]; ok {
		return d, nil
	}
	decl, ok := r.decls[id]
	if !ok || decl == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, id)
	}
	if r.visiting[id] {
		return nil, fmt.Errorf("%w: %q", ErrRecursiveType, id)
	}

	r.visiting[id] = true
	defer delete(r.visiting, id)

	d, err := r.build(decl, 0)
	if err != nil {
		return nil, &DeclarationError{TypeID: id, Err: err}
	}

	// Named references resolve to the referenced descriptor; give declared
	// structural types their own id so identical-id compatibility works.
	if d.ID == "" {
		d.ID = id
	}
	r.resolved[id] = d
	return d, nil
}

// build turns a declaration into a descriptor. depth counts enclosing
// object/array levels and stops runaway inline nesting early.
func (r *resolver) build(decl *Declaration, depth int) (*Descriptor, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: limit %d", ErrMaxDepth, MaxDepth)
	}

	if decl.Ref != "" {
		return r.resolveID(decl.Ref)
	}

	switch Kind(decl.Type) {
	case KindString, KindInteger, KindFloat, KindBoolean:
		if len(decl.Properties) > 0 || decl.Items != nil {
			return nil, fmt.Errorf("%w: %s cannot have properties or items", ErrInvalidDeclaration, decl.Type)
		}
		return builtins[decl.Type], nil

	case KindObject:
		if decl.Items != nil {
			return nil, fmt.Errorf("%w: object cannot have items", ErrInvalidDeclaration)
		}
		d := &Descriptor{Kind: KindObject}
		seen := make(map[string]bool, len(decl.Properties))
		for _, p := range decl.Properties {
			if p.Name == "" {
				return nil, fmt.Errorf("%w: empty property name", ErrInvalidDeclaration)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("%w: duplicate property %q", ErrInvalidDeclaration, p.Name)
			}
			seen[p.Name] = true
			if p.Type == nil {
				return nil, fmt.Errorf("%w: property %q has no type", ErrInvalidDeclaration, p.Name)
			}
			pt, err := r.build(p.Type, depth+1)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", p.Name, err)
			}
			d.Properties = append(d.Properties, Property{Name: p.Name, Type: pt})
		}
		return d, nil

	case KindArray:
		if len(decl.Properties) > 0 {
			return nil, fmt.Errorf("%w: array cannot have properties", ErrInvalidDeclaration)
		}
		d := &Descriptor{Kind: KindArray}
		if decl.Items != nil {
			items, err := r.build(decl.Items, depth+1)
			if err != nil {
				return nil, fmt.Errorf("items: %w", err)
			}
			d.Items = items
		}
		return d, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidDeclaration)

	default:
		// `type: customer_info` refers to another declared type.
		if len(decl.Properties) > 0 || decl.Items != nil {
			return nil, fmt.Errorf("%w: reference %q cannot have properties or items", ErrInvalidDeclaration, decl.Type)
		}
		return r.resolveID(decl.Type)
	}
}
