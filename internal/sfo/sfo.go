// Package sfo reads and writes PSF parameter files (param.sfo): the
// key/value metadata blob carried by every package.
package sfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Magic is the PSF header magic, "\0PSF" read big-endian.
const Magic = 0x00505346

// ScecMagic prefixes wrapped files; 0x800 bytes are skipped before the
// PSF header.
const ScecMagic = 0x53434543

const (
	headerSize     = 0x14
	indexEntrySize = 0x10
	scecSkip       = 0x800
	version        = 0x0101
)

// Type is the value format tag of an index entry.
type Type uint16

const (
	// TypeUtf8Special is a UTF-8 string without NUL termination.
	TypeUtf8Special Type = 0x004
	// TypeUtf8 is a NUL-terminated UTF-8 string; lengths include the NUL.
	TypeUtf8 Type = 0x204
	// TypeInteger is a 32-bit little-endian integer.
	TypeInteger Type = 0x404
)

var (
	// ErrBadMagic means the data does not start with the PSF magic.
	ErrBadMagic = errors.New("bad SFO magic")
	// ErrBadStructure means table offsets or entry fields are inconsistent.
	ErrBadStructure = errors.New("inconsistent SFO structure")
)

// Value is one parameter.
type Value struct {
	Key  string
	Type Type

	// Str holds UTF-8 values, Int integer values.
	Str string
	Int uint32

	// MaxLength is the data slot capacity in bytes. Zero means "choose on
	// write": string length rounded up to 4, or 4 for integers.
	MaxLength uint32
}

// length returns the logical value length recorded in the index.
func (v *Value) length() uint32 {
	switch v.Type {
	case TypeUtf8:
		return uint32(len(v.Str)) + 1
	case TypeUtf8Special:
		return uint32(len(v.Str))
	default:
		return 4
	}
}

// slotSize returns the data table space the value occupies.
func (v *Value) slotSize() uint32 {
	if v.MaxLength >= v.length() {
		return v.MaxLength
	}
	return (v.length() + 3) &^ 3
}

// File is a decoded parameter file. Values keep their on-disk order,
// which Serialize normalizes to ascending key order.
type File struct {
	Values []Value
}

// Get returns the value for key, or nil.
func (f *File) Get(key string) *Value {
	for i := range f.Values {
		if f.Values[i].Key == key {
			return &f.Values[i]
		}
	}
	return nil
}

// GetString returns the string value for key, or "".
func (f *File) GetString(key string) string {
	if v := f.Get(key); v != nil {
		return v.Str
	}
	return ""
}

// SetString inserts or replaces a string value.
func (f *File) SetString(key, val string, typ Type, maxLength uint32) {
	if v := f.Get(key); v != nil {
		v.Str = val
		v.Type = typ
		if maxLength != 0 {
			v.MaxLength = maxLength
		}
		return
	}
	f.Values = append(f.Values, Value{Key: key, Type: typ, Str: val, MaxLength: maxLength})
}

// SetInt inserts or replaces an integer value.
func (f *File) SetInt(key string, val uint32) {
	if v := f.Get(key); v != nil {
		v.Type = TypeInteger
		v.Int = val
		v.MaxLength = 4
		return
	}
	f.Values = append(f.Values, Value{Key: key, Type: TypeInteger, Int: val, MaxLength: 4})
}

// Delete removes a value; it reports whether the key was present.
func (f *File) Delete(key string) bool {
	for i := range f.Values {
		if f.Values[i].Key == key {
			f.Values = append(f.Values[:i], f.Values[i+1:]...)
			return true
		}
	}
	return false
}

// Parse decodes a parameter file. Files wrapped in an SCEC container skip
// 0x800 bytes before the PSF header.
func Parse(data []byte) (*File, error) {
	if len(data) >= 4 && binary.BigEndian.Uint32(data) == ScecMagic {
		if len(data) < scecSkip {
			return nil, fmt.Errorf("%w: SCEC wrapper shorter than 0x%X bytes", ErrBadStructure, scecSkip)
		}
		data = data[scecSkip:]
	}

	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadStructure, len(data))
	}

	if binary.BigEndian.Uint32(data) != Magic {
		return nil, fmt.Errorf("%w: got 0x%08X", ErrBadMagic, binary.BigEndian.Uint32(data))
	}

	keyTableOff := binary.LittleEndian.Uint32(data[0x08:0x0C])
	dataTableOff := binary.LittleEndian.Uint32(data[0x0C:0x10])
	count := binary.LittleEndian.Uint32(data[0x10:0x14])

	if dataTableOff < keyTableOff || int64(dataTableOff) > int64(len(data)) {
		return nil, fmt.Errorf("%w: key table 0x%X, data table 0x%X", ErrBadStructure, keyTableOff, dataTableOff)
	}

	if headerSize+int64(count)*indexEntrySize > int64(keyTableOff) {
		return nil, fmt.Errorf("%w: %d entries overlap the key table", ErrBadStructure, count)
	}

	f := &File{Values: make([]Value, 0, count)}

	for i := uint32(0); i < count; i++ {
		entry := data[headerSize+i*indexEntrySize:]
		keyOff := binary.LittleEndian.Uint16(entry[0x00:0x02])
		typ := Type(binary.LittleEndian.Uint16(entry[0x02:0x04]))
		length := binary.LittleEndian.Uint32(entry[0x04:0x08])
		maxLength := binary.LittleEndian.Uint32(entry[0x08:0x0C])
		dataOff := binary.LittleEndian.Uint32(entry[0x0C:0x10])

		key, err := readKey(data, keyTableOff, uint32(keyOff))
		if err != nil {
			return nil, err
		}

		start := int64(dataTableOff) + int64(dataOff)
		if start+int64(maxLength) > int64(len(data)) || length > maxLength {
			return nil, fmt.Errorf("%w: value %q outside the data table", ErrBadStructure, key)
		}

		v := Value{Key: key, Type: typ, MaxLength: maxLength}
		raw := data[start : start+int64(length)]

		switch typ {
		case TypeUtf8:
			if length == 0 || raw[length-1] != 0 {
				return nil, fmt.Errorf("%w: value %q is not NUL-terminated", ErrBadStructure, key)
			}
			v.Str = string(raw[:length-1])
		case TypeUtf8Special:
			v.Str = string(raw)
		case TypeInteger:
			if length != 4 {
				return nil, fmt.Errorf("%w: integer %q of %d bytes", ErrBadStructure, key, length)
			}
			v.Int = binary.LittleEndian.Uint32(raw)
		default:
			return nil, fmt.Errorf("%w: value %q has unknown type 0x%03X", ErrBadStructure, key, uint16(typ))
		}

		f.Values = append(f.Values, v)
	}

	return f, nil
}

func readKey(data []byte, tableOff, keyOff uint32) (string, error) {
	start := int64(tableOff) + int64(keyOff)
	for i := start; i < int64(len(data)); i++ {
		if data[i] == 0 {
			return string(data[start:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated key at 0x%X", ErrBadStructure, start)
}

// Serialize encodes the file: values sorted ascending by key, the key
// table packed, the data table 4-byte aligned.
func (f *File) Serialize() ([]byte, error) {
	values := make([]Value, len(f.Values))
	copy(values, f.Values)
	sort.SliceStable(values, func(i, j int) bool { return values[i].Key < values[j].Key })

	keyTableSize := 0
	dataTableSize := uint32(0)
	for i := range values {
		if values[i].Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrBadStructure)
		}
		keyTableSize += len(values[i].Key) + 1
		dataTableSize += values[i].slotSize()
	}

	keyTableOff := uint32(headerSize + len(values)*indexEntrySize)
	dataTableOff := (keyTableOff + uint32(keyTableSize) + 3) &^ 3

	out := make([]byte, dataTableOff+dataTableSize)
	binary.BigEndian.PutUint32(out[0x00:], Magic)
	binary.LittleEndian.PutUint32(out[0x04:], version)
	binary.LittleEndian.PutUint32(out[0x08:], keyTableOff)
	binary.LittleEndian.PutUint32(out[0x0C:], dataTableOff)
	binary.LittleEndian.PutUint32(out[0x10:], uint32(len(values)))

	keyOff := uint32(0)
	dataOff := uint32(0)
	for i := range values {
		v := &values[i]
		entry := out[headerSize+i*indexEntrySize:]

		binary.LittleEndian.PutUint16(entry[0x00:], uint16(keyOff))
		binary.LittleEndian.PutUint16(entry[0x02:], uint16(v.Type))
		binary.LittleEndian.PutUint32(entry[0x04:], v.length())
		binary.LittleEndian.PutUint32(entry[0x08:], v.slotSize())
		binary.LittleEndian.PutUint32(entry[0x0C:], dataOff)

		copy(out[keyTableOff+keyOff:], v.Key)
		keyOff += uint32(len(v.Key)) + 1

		slot := out[dataTableOff+dataOff:]
		switch v.Type {
		case TypeUtf8, TypeUtf8Special:
			copy(slot, v.Str)
		case TypeInteger:
			binary.LittleEndian.PutUint32(slot, v.Int)
		default:
			return nil, fmt.Errorf("%w: value %q has unknown type 0x%03X", ErrBadStructure, v.Key, uint16(v.Type))
		}
		dataOff += v.slotSize()
	}

	return out, nil
}
