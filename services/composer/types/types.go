// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package types resolves named type declarations and checks values against them.
//
// A schema declares types by id. Each declaration is a primitive, an object
// with named properties, or an array of items. Property and item types may be
// primitives, inline declarations, or references to other declared ids:
//
//	customer_info:
//	  type: object
//	  properties:
//	    name: string
//	    address:
//	      type: object
//	      properties:
//	        city: string
//	line_items:
//	  type: array
//	  items: customer_info
//
// # Thread Safety
//
// A Registry is immutable after NewRegistry returns and is safe for
// concurrent use.
package types

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxDepth bounds how deeply object and array types may nest.
const MaxDepth = 5

// Kind is the structural kind of a type.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// IsPrimitive reports whether k is a scalar kind.
func (k Kind) IsPrimitive() bool {
	switch k {
	case KindString, KindInteger, KindFloat, KindBoolean:
		return true
	}
	return false
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k.IsPrimitive() || k == KindObject || k == KindArray
}

// Property is a named member of an object type.
type Property struct {
	Name string
	Type *Descriptor
}

// Descriptor is a fully resolved type.
//
// Descriptors are shared between registry entries and must not be modified.
type Descriptor struct {
	// ID is the registry id, or "" for inline (anonymous) declarations.
	ID string

	// Kind is the structural kind.
	Kind Kind

	// Properties lists object members in declaration order.
	// Empty for a bare "object", which accepts any mapping.
	Properties []Property

	// Items is the array element type. Nil for a bare "array".
	Items *Descriptor
}

// Property returns the named property of an object type.
func (d *Descriptor) Property(name string) (*Descriptor, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p.Type, true
		}
	}
	return nil, false
}

// Depth returns the nesting depth: 0 for scalars, 1 + deepest member otherwise.
func (d *Descriptor) Depth() int {
	if d == nil || d.Kind.IsPrimitive() {
		return 0
	}
	deepest := 0
	if d.Kind == KindArray && d.Items != nil {
		deepest = d.Items.Depth()
	}
	for _, p := range d.Properties {
		if pd := p.Type.Depth(); pd > deepest {
			deepest = pd
		}
	}
	return 1 + deepest
}

// String renders the descriptor compactly, e.g. "object{name:string}".
func (d *Descriptor) String() string {
	if d == nil {
		return "<nil>"
	}
	switch d.Kind {
	case KindObject:
		if len(d.Properties) == 0 {
			return string(KindObject)
		}
		parts := make([]string, len(d.Properties))
		for i, p := range d.Properties {
			parts[i] = p.Name + ":" + p.Type.String()
		}
		return "object{" + strings.Join(parts, ",") + "}"
	case KindArray:
		if d.Items == nil {
			return string(KindArray)
		}
		return "array[" + d.Items.String() + "]"
	default:
		return string(d.Kind)
	}
}

// =============================================================================
// Declarations
// =============================================================================

// Declaration is the unresolved form of a type as written in a schema.
type Declaration struct {
	// Ref names another type (primitive or declared) when the declaration was
	// written as a bare scalar such as `name: string`.
	Ref string `json:"ref,omitempty"`

	// Type is the kind or a referenced type id.
	Type string `json:"type,omitempty"`

	// Properties are the object members in declaration order.
	Properties []PropertyDeclaration `json:"properties,omitempty"`

	// Items is the array element declaration.
	Items *Declaration `json:"items,omitempty"`

	// Description is carried for documentation only.
	Description string `json:"description,omitempty"`
}

// PropertyDeclaration is one member of an object declaration.
type PropertyDeclaration struct {
	Name string       `json:"name"`
	Type *Declaration `json:"type"`
}

// UnmarshalYAML accepts either a scalar reference or a mapping with
// type/properties/items keys. Property order follows the document.
func (d *Declaration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		d.Ref = strings.TrimSpace(node.Value)
		if d.Ref == "" {
			return fmt.Errorf("line %d: %w: empty type reference", node.Line, ErrInvalidDeclaration)
		}
		return nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			switch key.Value {
			case "type":
				if err := value.Decode(&d.Type); err != nil {
					return err
				}
			case "description":
				if err := value.Decode(&d.Description); err != nil {
					return err
				}
			case "items":
				d.Items = &Declaration{}
				if err := value.Decode(d.Items); err != nil {
					return err
				}
			case "properties":
				if value.Kind != yaml.MappingNode {
					return fmt.Errorf("line %d: %w: properties must be a mapping", value.Line, ErrInvalidDeclaration)
				}
				for j := 0; j+1 < len(value.Content); j += 2 {
					prop := &Declaration{}
					if err := value.Content[j+1].Decode(prop); err != nil {
						return err
					}
					d.Properties = append(d.Properties, PropertyDeclaration{
						Name: value.Content[j].Value,
						Type: prop,
					})
				}
			default:
				return fmt.Errorf("line %d: %w: unknown key %q", key.Line, ErrInvalidDeclaration, key.Value)
			}
		}
		return nil

	default:
		return fmt.Errorf("line %d: %w: expected a type id or mapping", node.Line, ErrInvalidDeclaration)
	}
}
