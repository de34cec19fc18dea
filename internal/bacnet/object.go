package bacnet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ObjectType is a BACnet object type enumeration value.
type ObjectType uint16

// Object types used by the hub. Values follow the BACnetObjectType enumeration.
const (
	AnalogInput          ObjectType = 0
	AnalogOutput         ObjectType = 1
	AnalogValue          ObjectType = 2
	BinaryInput          ObjectType = 3
	BinaryOutput         ObjectType = 4
	BinaryValue          ObjectType = 5
	Device               ObjectType = 8
	MultiStateValue      ObjectType = 19
	CharacterStringValue ObjectType = 40
)

// MaxInstance is the largest valid object or device instance number (2^22 - 2).
// 4194303 is reserved as the wildcard instance.
const MaxInstance = 4194302

type objectTypeInfo struct {
	name  string // camelCase BACnet name
	short string // two/three letter code
}

var objectTypes = map[ObjectType]objectTypeInfo{
	AnalogInput:          {"analogInput", "ai"},
	AnalogOutput:         {"analogOutput", "ao"},
	AnalogValue:          {"analogValue", "av"},
	BinaryInput:          {"binaryInput", "bi"},
	BinaryOutput:         {"binaryOutput", "bo"},
	BinaryValue:          {"binaryValue", "bv"},
	Device:               {"device", "dev"},
	MultiStateValue:      {"multiStateValue", "mv"},
	CharacterStringValue: {"characterstringValue", "csv"},
}

// String returns the camelCase BACnet name, e.g. "analogValue".
func (t ObjectType) String() string {
	if info, ok := objectTypes[t]; ok {
		return info.name
	}
	return "objectType" + strconv.Itoa(int(t))
}

// Short returns the short code used in imported entity identifiers, e.g. "av".
func (t ObjectType) Short() string {
	if info, ok := objectTypes[t]; ok {
		return info.short
	}
	return "obj" + strconv.Itoa(int(t))
}

// Kebab returns the kebab-case form of the type name, e.g. "analog-value".
func (t ObjectType) Kebab() string {
	name := t.String()
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Snake returns the snake_case form of the type name, e.g. "analog_value".
func (t ObjectType) Snake() string {
	return strings.ReplaceAll(t.Kebab(), "-", "_")
}

// ParseObjectType accepts either the camelCase name or the short code.
func ParseObjectType(s string) (ObjectType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for t, info := range objectTypes {
		if strings.ToLower(info.name) == key || info.short == key {
			return t, nil
		}
	}
	return 0, fmt.Errorf("bacnet: unknown object type %q", s)
}

// MarshalText encodes the camelCase name.
func (t ObjectType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the camelCase name or short code.
func (t *ObjectType) UnmarshalText(b []byte) error {
	parsed, err := ParseObjectType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ObjectID identifies an object on a device.
type ObjectID struct {
	Type     ObjectType
	Instance uint32
}

// String returns "analogValue:3".
func (id ObjectID) String() string {
	return fmt.Sprintf("%s:%d", id.Type, id.Instance)
}

// MarshalText encodes the "type:instance" form.
func (id ObjectID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes the "type:instance" form.
func (id *ObjectID) UnmarshalText(b []byte) error {
	parsed, err := ParseObjectID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseObjectID parses "analogValue:3" or "av:3".
func ParseObjectID(s string) (ObjectID, error) {
	typ, inst, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ObjectID{}, fmt.Errorf("bacnet: malformed object id %q", s)
	}
	t, err := ParseObjectType(typ)
	if err != nil {
		return ObjectID{}, err
	}
	n, err := strconv.ParseUint(inst, 10, 32)
	if err != nil || n > MaxInstance {
		return ObjectID{}, fmt.Errorf("%w: %q", ErrInvalidInstance, inst)
	}
	return ObjectID{Type: t, Instance: uint32(n)}, nil
}

// PropertyID is a BACnet property identifier.
type PropertyID uint32

// Properties read or written by the hub.
const (
	PropertyDescription   PropertyID = 28
	PropertyObjectList    PropertyID = 76
	PropertyObjectName    PropertyID = 77
	PropertyPresentValue  PropertyID = 85
	PropertyPriorityArray PropertyID = 87
	PropertyStateText     PropertyID = 110
	PropertyUnits         PropertyID = 117
)

// ValueKind tags the populated field of a Value.
type ValueKind uint8

// Value kinds.
const (
	KindNull ValueKind = iota
	KindReal
	KindBinary
	KindUnsigned
	KindText
)

// Value is a present-value as carried by the protocol stack.
type Value struct {
	Kind     ValueKind
	Real     float64
	Binary   bool
	Unsigned uint32
	Text     string
}

// Null is the absent value.
var Null = Value{}

// Real returns an analog present-value.
func Real(f float64) Value { return Value{Kind: KindReal, Real: f} }

// Binary returns a binary present-value (true = active).
func Binary(b bool) Value { return Value{Kind: KindBinary, Binary: b} }

// Unsigned returns a multi-state present-value (1-based state index).
func Unsigned(u uint32) Value { return Value{Kind: KindUnsigned, Unsigned: u} }

// Text returns a character string present-value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// IsNull reports whether the value carries nothing.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindReal:
		return v.Real == o.Real
	case KindBinary:
		return v.Binary == o.Binary
	case KindUnsigned:
		return v.Unsigned == o.Unsigned
	case KindText:
		return v.Text == o.Text
	default:
		return true
	}
}

// Interface returns the payload as a plain Go value (nil for Null).
func (v Value) Interface() any {
	switch v.Kind {
	case KindReal:
		return v.Real
	case KindBinary:
		return v.Binary
	case KindUnsigned:
		return v.Unsigned
	case KindText:
		return v.Text
	default:
		return nil
	}
}

// MarshalJSON encodes the plain payload.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v Value) String() string {
	switch v.Kind {
	case KindReal:
		return strconv.FormatFloat(v.Real, 'f', -1, 64)
	case KindBinary:
		if v.Binary {
			return "active"
		}
		return "inactive"
	case KindUnsigned:
		return strconv.FormatUint(uint64(v.Unsigned), 10)
	case KindText:
		return v.Text
	default:
		return "null"
	}
}

// Object is a locally hosted object on the virtual device.
type Object struct {
	ID           ObjectID
	Name         string
	Description  string
	Units        EngineeringUnits
	StateText    []string
	COVIncrement float64
	Writable     bool
	PresentValue Value
}

// Clone returns a copy that shares no slices with o.
func (o Object) Clone() Object {
	c := o
	if o.StateText != nil {
		c.StateText = append([]string(nil), o.StateText...)
	}
	return c
}
