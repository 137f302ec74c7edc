// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Names of the attributes understood by the operators.
const (
	// AttrTransposeA and AttrTransposeB (bool) ask MatMul to transpose the last two axes of its operands.
	AttrTransposeA = "transpose_a"
	AttrTransposeB = "transpose_b"

	// AttrConstant (float) is the scalar second operand of Add and Mul, when there is no second input.
	AttrConstant = "constant"

	// AttrAlpha and AttrBeta (float) are used by Linear (alpha*x+beta) and by LRN.
	AttrAlpha = "alpha"
	AttrBeta  = "beta"

	// AttrMin and AttrMax (float) are the bounds of Clamp.
	AttrMin = "min"
	AttrMax = "max"

	// AttrScale (float > 0), AttrZeroPoint (int) and AttrDType (dtypes.DType, Int8 or Uint8) configure Quantize.
	AttrScale     = "scale"
	AttrZeroPoint = "zero_point"
	AttrDType     = "dtype"

	// AttrSize (odd int), AttrK (float) and AttrRegion ("across" or "within" channels) configure LRN.
	AttrSize   = "size"
	AttrK      = "k"
	AttrRegion = "region"

	// AttrGroups (int) splits the computation in independent groups. Only variants declaring grouped
	// support accept values > 1.
	AttrGroups = "groups"
)

// LRN regions.
const (
	RegionAcross = "across"
	RegionWithin = "within"
)

// Attributes of an operator. Values are plain Go values: bool, int, float32/float64, string or dtypes.DType.
type Attributes map[string]any

// Has returns whether the attribute is set.
func (a Attributes) Has(name string) bool {
	_, found := a[name]
	return found
}

// Float returns the attribute converted to float64, or defaultValue if not set or not numeric.
func (a Attributes) Float(name string, defaultValue float64) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return defaultValue
}

// Int returns the attribute as an int, or defaultValue if not set or not an integer.
// Floats with an integral value (as decoded from some configuration formats) are accepted.
func (a Attributes) Int(name string, defaultValue int) int {
	if v, ok := toInt(a[name]); ok {
		return v
	}
	return defaultValue
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= math.MaxInt32 {
			return int(v), true
		}
	case float32:
		if f := float64(v); f == math.Trunc(f) && math.Abs(f) <= math.MaxInt32 {
			return int(v), true
		}
	}
	return 0, false
}

// Bool returns the attribute as a bool, or defaultValue if not set.
func (a Attributes) Bool(name string, defaultValue bool) bool {
	if v, ok := a[name].(bool); ok {
		return v
	}
	return defaultValue
}

// Text returns the attribute as a string, or defaultValue if not set.
func (a Attributes) Text(name string, defaultValue string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return defaultValue
}

// DType returns the attribute as a dtypes.DType, or defaultValue if not set.
// String values are parsed with dtypes.Parse.
func (a Attributes) DType(name string, defaultValue dtypes.DType) dtypes.DType {
	switch v := a[name].(type) {
	case dtypes.DType:
		return v
	case string:
		if dtype, err := dtypes.Parse(v); err == nil {
			return dtype
		}
	}
	return defaultValue
}

// attrKind is the type of value expected for a known attribute.
type attrKind int

const (
	attrFloat attrKind = iota
	attrInt
	attrBool
	attrText
	attrDType
)

var attrKinds = map[string]attrKind{
	AttrTransposeA: attrBool,
	AttrTransposeB: attrBool,
	AttrConstant:   attrFloat,
	AttrAlpha:      attrFloat,
	AttrBeta:       attrFloat,
	AttrMin:        attrFloat,
	AttrMax:        attrFloat,
	AttrScale:      attrFloat,
	AttrZeroPoint:  attrInt,
	AttrDType:      attrDType,
	AttrSize:       attrInt,
	AttrK:          attrFloat,
	AttrRegion:     attrText,
	AttrGroups:     attrInt,
}

// Validate checks that every known attribute that is set has a value the typed accessors can read:
// a number for floats, an integer (or an integral float) for ints, a bool, a string, or a dtype (or the
// name of one). Otherwise the accessors would silently return their defaults.
//
// Unknown attribute names are not checked. The errors wrap ErrInvalidAttribute.
func (a Attributes) Validate() error {
	var err error
	for _, name := range slices.Sorted(maps.Keys(a)) {
		kind, known := attrKinds[name]
		if !known {
			continue
		}
		value := a[name]
		var valid bool
		switch kind {
		case attrFloat:
			switch v := value.(type) {
			case float64:
				valid = !math.IsNaN(v)
			case float32:
				valid = !math.IsNaN(float64(v))
			case int, int64, int32:
				valid = true
			}
		case attrInt:
			_, valid = toInt(value)
		case attrBool:
			_, valid = value.(bool)
		case attrText:
			_, valid = value.(string)
		case attrDType:
			switch v := value.(type) {
			case dtypes.DType:
				valid = v != dtypes.InvalidDType
			case string:
				dtype, parseErr := dtypes.Parse(v)
				valid = parseErr == nil && dtype != dtypes.InvalidDType
			}
		}
		if !valid {
			err = multierr.Append(err, errors.Wrapf(ErrInvalidAttribute, "%q=%v (%T) is not a valid %s",
				name, value, value, kind))
		}
	}
	return err
}

// String implements fmt.Stringer.
func (k attrKind) String() string {
	switch k {
	case attrFloat:
		return "float"
	case attrInt:
		return "int"
	case attrBool:
		return "bool"
	case attrText:
		return "string"
	case attrDType:
		return "dtype"
	}
	return fmt.Sprintf("attrKind(%d)", int(k))
}

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// String returns the attributes sorted by name, e.g. "{scale=0.5, zero_point=3}".
func (a Attributes) String() string {
	names := slices.Sorted(maps.Keys(a))
	parts := make([]string, len(names))
	for ii, name := range names {
		parts[ii] = fmt.Sprintf("%s=%v", name, a[name])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// PostOp is an operation applied to the output of a compiled operator, inside the same executable.
type PostOp struct {
	Op    OpType
	Attrs Attributes
}

// String implements fmt.Stringer.
func (p PostOp) String() string {
	if len(p.Attrs) == 0 {
		return p.Op.String()
	}
	return p.Op.String() + p.Attrs.String()
}
