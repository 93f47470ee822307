package protocol

import (
	"fmt"
)

// TypeTag identifies a column type. The numeric values are the option ids of
// the native protocol and are stable across the API boundary.
type TypeTag uint16

const (
	TypeCustom    TypeTag = 0x0000
	TypeASCII     TypeTag = 0x0001
	TypeBigint    TypeTag = 0x0002
	TypeBlob      TypeTag = 0x0003
	TypeBoolean   TypeTag = 0x0004
	TypeCounter   TypeTag = 0x0005
	TypeDecimal   TypeTag = 0x0006
	TypeDouble    TypeTag = 0x0007
	TypeFloat     TypeTag = 0x0008
	TypeInt       TypeTag = 0x0009
	TypeText      TypeTag = 0x000A
	TypeTimestamp TypeTag = 0x000B
	TypeUUID      TypeTag = 0x000C
	TypeVarchar   TypeTag = 0x000D
	TypeVarint    TypeTag = 0x000E
	TypeTimeUUID  TypeTag = 0x000F
	TypeInet      TypeTag = 0x0010
	TypeList      TypeTag = 0x0020
	TypeMap       TypeTag = 0x0021
	TypeSet       TypeTag = 0x0022
	TypeUnknown   TypeTag = 0xFFFF

	// typeShort tags short values on the bind side. It never appears on the
	// wire; shorts are sent as int.
	typeShort TypeTag = 0xFFFE
)

var typeNames = map[TypeTag]string{
	TypeCustom:    "custom",
	TypeASCII:     "ascii",
	TypeBigint:    "bigint",
	TypeBlob:      "blob",
	TypeBoolean:   "boolean",
	TypeCounter:   "counter",
	TypeDecimal:   "decimal",
	TypeDouble:    "double",
	TypeFloat:     "float",
	TypeInt:       "int",
	TypeText:      "text",
	TypeTimestamp: "timestamp",
	TypeUUID:      "uuid",
	TypeVarchar:   "varchar",
	TypeVarint:    "varint",
	TypeTimeUUID:  "timeuuid",
	TypeInet:      "inet",
	TypeList:      "list",
	TypeMap:       "map",
	TypeSet:       "set",
	TypeUnknown:   "unknown",
	typeShort:     "short",
}

func (t TypeTag) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%04x)", uint16(t))
}

// Known reports whether t is a column type the codec understands.
func (t TypeTag) Known() bool {
	_, ok := typeNames[t]
	return ok && t != TypeUnknown && t != typeShort
}

// IsCollection reports whether t is list, set or map.
func (t TypeTag) IsCollection() bool {
	return t == TypeList || t == TypeSet || t == TypeMap
}

// TypeInfo is a full column type: the tag plus the class name of custom types
// and the element types of collections.
type TypeInfo struct {
	Tag    TypeTag
	Custom string
	// Elem is the element type of list and set, and the value type of map.
	Elem *TypeInfo
	// Key is the key type of map.
	Key *TypeInfo
}

// NativeType returns the TypeInfo for a non-collection tag.
func NativeType(tag TypeTag) TypeInfo {
	return TypeInfo{Tag: tag}
}

// ListOf returns the type list<elem>.
func ListOf(elem TypeInfo) TypeInfo {
	return TypeInfo{Tag: TypeList, Elem: &elem}
}

// SetOf returns the type set<elem>.
func SetOf(elem TypeInfo) TypeInfo {
	return TypeInfo{Tag: TypeSet, Elem: &elem}
}

// MapOf returns the type map<key, value>.
func MapOf(key, value TypeInfo) TypeInfo {
	return TypeInfo{Tag: TypeMap, Key: &key, Elem: &value}
}

func (t TypeInfo) String() string {
	switch t.Tag {
	case TypeList, TypeSet:
		if t.Elem == nil {
			return t.Tag.String()
		}
		return fmt.Sprintf("%s<%s>", t.Tag, t.Elem)
	case TypeMap:
		if t.Key == nil || t.Elem == nil {
			return t.Tag.String()
		}
		return fmt.Sprintf("map<%s, %s>", t.Key, t.Elem)
	case TypeCustom:
		return fmt.Sprintf("custom(%s)", t.Custom)
	default:
		return t.Tag.String()
	}
}

// Equal reports whether two types are structurally identical.
func (t TypeInfo) Equal(o TypeInfo) bool {
	if t.Tag != o.Tag || t.Custom != o.Custom {
		return false
	}
	if (t.Elem == nil) != (o.Elem == nil) || (t.Key == nil) != (o.Key == nil) {
		return false
	}
	if t.Elem != nil && !t.Elem.Equal(*o.Elem) {
		return false
	}
	if t.Key != nil && !t.Key.Equal(*o.Key) {
		return false
	}
	return true
}

func typeFamily(tag TypeTag) TypeTag {
	switch tag {
	case TypeASCII, TypeText, TypeVarchar:
		return TypeVarchar
	case TypeBigint, TypeCounter:
		return TypeBigint
	case TypeUUID, TypeTimeUUID:
		return TypeUUID
	default:
		return tag
	}
}

// Compatible reports whether a value typed as value may be encoded as a
// column of type declared.
func Compatible(declared, value TypeInfo) bool {
	if value.Tag == typeShort {
		return declared.Tag == TypeInt
	}
	if typeFamily(declared.Tag) != typeFamily(value.Tag) {
		return false
	}
	switch declared.Tag {
	case TypeList, TypeSet:
		if declared.Elem == nil || value.Elem == nil {
			return declared.Elem == value.Elem
		}
		return Compatible(*declared.Elem, *value.Elem)
	case TypeMap:
		if declared.Elem == nil || value.Elem == nil || declared.Key == nil || value.Key == nil {
			return false
		}
		return Compatible(*declared.Key, *value.Key) && Compatible(*declared.Elem, *value.Elem)
	case TypeCustom:
		return declared.Custom == value.Custom
	}
	return true
}

// MaxTypeDepth bounds how deeply collection types may nest.
const MaxTypeDepth = 32

// ReadTypeInfo reads an [option] describing a column type. Collections
// nested deeper than MaxTypeDepth are rejected as malformed.
func (r *Reader) ReadTypeInfo() (TypeInfo, error) {
	return r.readTypeInfo(0)
}

func (r *Reader) readTypeInfo(depth int) (TypeInfo, error) {
	if depth > MaxTypeDepth {
		return TypeInfo{}, malformed("column type nests deeper than %d", MaxTypeDepth)
	}
	id, err := r.ReadShort()
	if err != nil {
		return TypeInfo{}, err
	}
	tag := TypeTag(id)
	switch tag {
	case TypeCustom:
		name, err := r.ReadString()
		if err != nil {
			return TypeInfo{}, err
		}
		return TypeInfo{Tag: TypeCustom, Custom: name}, nil
	case TypeList, TypeSet:
		elem, err := r.readTypeInfo(depth + 1)
		if err != nil {
			return TypeInfo{}, err
		}
		return TypeInfo{Tag: tag, Elem: &elem}, nil
	case TypeMap:
		key, err := r.readTypeInfo(depth + 1)
		if err != nil {
			return TypeInfo{}, err
		}
		value, err := r.readTypeInfo(depth + 1)
		if err != nil {
			return TypeInfo{}, err
		}
		return TypeInfo{Tag: TypeMap, Key: &key, Elem: &value}, nil
	}
	if !tag.Known() {
		return TypeInfo{}, NewError(KindUnknownType, fmt.Sprintf("unknown column type 0x%04x", id), nil)
	}
	return TypeInfo{Tag: tag}, nil
}

// PutTypeInfo writes t as an [option].
func (w *Writer) PutTypeInfo(t TypeInfo) error {
	if !t.Tag.Known() {
		return NewError(KindUnknownType, fmt.Sprintf("cannot write column type %s", t.Tag), nil)
	}
	w.PutShort(uint16(t.Tag))
	switch t.Tag {
	case TypeCustom:
		w.PutString(t.Custom)
	case TypeList, TypeSet:
		if t.Elem == nil {
			return NewError(KindUnknownType, "collection without element type", nil)
		}
		return w.PutTypeInfo(*t.Elem)
	case TypeMap:
		if t.Key == nil || t.Elem == nil {
			return NewError(KindUnknownType, "map without key or value type", nil)
		}
		if err := w.PutTypeInfo(*t.Key); err != nil {
			return err
		}
		return w.PutTypeInfo(*t.Elem)
	}
	return nil
}
