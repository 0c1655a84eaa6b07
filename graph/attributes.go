/*
 *	Copyright 2024 The graphrt Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/graphrt/graphrt/types/status"
)

// AttributeKind enumerates the value types an operator attribute can hold.
// The kinds and their semantics are fixed by the external model schema and
// must be preserved exactly.
type AttributeKind int

const (
	AttributeInvalid AttributeKind = iota
	AttributeInt
	AttributeInts
	AttributeFloat
	AttributeFloats
	AttributeString
)

// String implements fmt.Stringer.
func (k AttributeKind) String() string {
	switch k {
	case AttributeInt:
		return "int"
	case AttributeInts:
		return "ints"
	case AttributeFloat:
		return "float"
	case AttributeFloats:
		return "floats"
	case AttributeString:
		return "string"
	}
	return "invalid"
}

// Attribute is a typed operator attribute value. Create with one of IntAttr,
// IntsAttr, FloatAttr, FloatsAttr or StringAttr. Attributes are immutable.
type Attribute struct {
	kind   AttributeKind
	i      int64
	ints   []int64
	f      float32
	floats []float32
	s      string
}

// IntAttr creates an int attribute.
func IntAttr(value int64) Attribute { return Attribute{kind: AttributeInt, i: value} }

// IntsAttr creates an int-list attribute. The slice is copied.
func IntsAttr(values ...int64) Attribute {
	return Attribute{kind: AttributeInts, ints: slices.Clone(values)}
}

// FloatAttr creates a float attribute.
func FloatAttr(value float32) Attribute { return Attribute{kind: AttributeFloat, f: value} }

// FloatsAttr creates a float-list attribute. The slice is copied.
func FloatsAttr(values ...float32) Attribute {
	return Attribute{kind: AttributeFloats, floats: slices.Clone(values)}
}

// StringAttr creates a string attribute.
func StringAttr(value string) Attribute { return Attribute{kind: AttributeString, s: value} }

// Kind of the attribute value.
func (a Attribute) Kind() AttributeKind { return a.kind }

// Int returns the int value, or an InvalidArgument error for other kinds.
func (a Attribute) Int() (int64, error) {
	if a.kind != AttributeInt {
		return 0, status.Errorf(status.InvalidArgument, "attribute holds %s, not int", a.kind)
	}
	return a.i, nil
}

// Ints returns the int-list value, or an InvalidArgument error for other
// kinds. The returned slice must not be mutated.
func (a Attribute) Ints() ([]int64, error) {
	if a.kind != AttributeInts {
		return nil, status.Errorf(status.InvalidArgument, "attribute holds %s, not ints", a.kind)
	}
	return a.ints, nil
}

// Float returns the float value, or an InvalidArgument error for other kinds.
func (a Attribute) Float() (float32, error) {
	if a.kind != AttributeFloat {
		return 0, status.Errorf(status.InvalidArgument, "attribute holds %s, not float", a.kind)
	}
	return a.f, nil
}

// Floats returns the float-list value, or an InvalidArgument error for other
// kinds. The returned slice must not be mutated.
func (a Attribute) Floats() ([]float32, error) {
	if a.kind != AttributeFloats {
		return nil, status.Errorf(status.InvalidArgument, "attribute holds %s, not floats", a.kind)
	}
	return a.floats, nil
}

// Str returns the string value, or an InvalidArgument error for other kinds.
func (a Attribute) Str() (string, error) {
	if a.kind != AttributeString {
		return "", status.Errorf(status.InvalidArgument, "attribute holds %s, not string", a.kind)
	}
	return a.s, nil
}

// String implements fmt.Stringer.
func (a Attribute) String() string {
	switch a.kind {
	case AttributeInt:
		return fmt.Sprintf("%d", a.i)
	case AttributeInts:
		return fmt.Sprintf("%v", a.ints)
	case AttributeFloat:
		return fmt.Sprintf("%g", a.f)
	case AttributeFloats:
		return fmt.Sprintf("%v", a.floats)
	case AttributeString:
		return fmt.Sprintf("%q", a.s)
	}
	return "<invalid>"
}

// Attributes is the name to typed value mapping carried by a Node.
type Attributes map[string]Attribute

// Clone returns a copy of the attribute map. Attribute values are immutable,
// so a shallow copy of the entries suffices.
func (attrs Attributes) Clone() Attributes {
	if attrs == nil {
		return nil
	}
	return maps.Clone(attrs)
}

// GetInt returns the named int attribute, or defaultValue if absent. An
// attribute of the wrong kind is an InvalidArgument error.
func (attrs Attributes) GetInt(name string, defaultValue int64) (int64, error) {
	attr, found := attrs[name]
	if !found {
		return defaultValue, nil
	}
	value, err := attr.Int()
	if err != nil {
		return 0, status.Wrapf(status.InvalidArgument, err, "attribute %q", name)
	}
	return value, nil
}

// GetInts returns the named int-list attribute, or nil if absent. An
// attribute of the wrong kind is an InvalidArgument error.
func (attrs Attributes) GetInts(name string) ([]int64, error) {
	attr, found := attrs[name]
	if !found {
		return nil, nil
	}
	values, err := attr.Ints()
	if err != nil {
		return nil, status.Wrapf(status.InvalidArgument, err, "attribute %q", name)
	}
	return values, nil
}

// GetFloat returns the named float attribute, or defaultValue if absent. An
// attribute of the wrong kind is an InvalidArgument error.
func (attrs Attributes) GetFloat(name string, defaultValue float32) (float32, error) {
	attr, found := attrs[name]
	if !found {
		return defaultValue, nil
	}
	value, err := attr.Float()
	if err != nil {
		return 0, status.Wrapf(status.InvalidArgument, err, "attribute %q", name)
	}
	return value, nil
}

// GetString returns the named string attribute, or defaultValue if absent.
// An attribute of the wrong kind is an InvalidArgument error.
func (attrs Attributes) GetString(name, defaultValue string) (string, error) {
	attr, found := attrs[name]
	if !found {
		return defaultValue, nil
	}
	value, err := attr.Str()
	if err != nil {
		return "", status.Wrapf(status.InvalidArgument, err, "attribute %q", name)
	}
	return value, nil
}

// String implements fmt.Stringer, listing attributes in sorted name order.
func (attrs Attributes) String() string {
	names := slices.Sorted(maps.Keys(attrs))
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, attrs[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
