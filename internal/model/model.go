// Package model holds the data types shared by hound's schema, driver and
// queue layers: data/device identifiers, the schema descriptor shapes of
// spec.md §3, and the record envelope that flows from a driver's fd to a
// consumer's callback.
package model

// DataID uniquely tags one logical data stream. Claimed by exactly one
// driver at a time.
type DataID uint32

// DeviceID is a monotonic counter assigned at driver activation.
type DeviceID uint64

// Period is a requested sampling interval in nanoseconds. Zero means
// on-demand (caller-pulled).
type Period uint64

// Unit enumerates the SI-ish units a field may carry.
type Unit int

const (
	UnitNone Unit = iota
	UnitDegree
	UnitKelvin
	UnitKgPerSecond
	UnitMeter
	UnitMetersPerSecond
	UnitMetersPerSecondSquared
	UnitPascal
	UnitPercent
	UnitRadian
	UnitRadianPerSecond
	UnitNanosecond
)

func (u Unit) String() string {
	switch u {
	case UnitDegree:
		return "degree"
	case UnitKelvin:
		return "kelvin"
	case UnitKgPerSecond:
		return "kg/s"
	case UnitMeter:
		return "meter"
	case UnitMetersPerSecond:
		return "m/s"
	case UnitMetersPerSecondSquared:
		return "m/s^2"
	case UnitPascal:
		return "pascal"
	case UnitPercent:
		return "percent"
	case UnitRadian:
		return "rad"
	case UnitRadianPerSecond:
		return "rad/s"
	case UnitNanosecond:
		return "nanosecond"
	default:
		return "none"
	}
}

// FieldType enumerates the wire types a schema field may carry.
type FieldType int

const (
	TypeBool FieldType = iota
	TypeI8
	TypeU8
	TypeI16
	TypeU16
	TypeI32
	TypeU32
	TypeI64
	TypeU64
	TypeFloat
	TypeDouble
	TypeBytes
)

func (t FieldType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeI8:
		return "i8"
	case TypeU8:
		return "u8"
	case TypeI16:
		return "i16"
	case TypeU16:
		return "u16"
	case TypeI32:
		return "i32"
	case TypeU32:
		return "u32"
	case TypeI64:
		return "i64"
	case TypeU64:
		return "u64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// FixedSize returns the byte size implied by t, and whether that size is
// fixed. TypeBytes is the only variable-size type (size 0, must be last).
func (t FieldType) FixedSize() (size uint32, fixed bool) {
	switch t {
	case TypeBool, TypeI8, TypeU8:
		return 1, true
	case TypeI16, TypeU16:
		return 2, true
	case TypeI32, TypeU32, TypeFloat:
		return 4, true
	case TypeI64, TypeU64, TypeDouble:
		return 8, true
	case TypeBytes:
		return 0, false
	default:
		return 0, true
	}
}

// FieldDescriptor describes one field within a record's payload.
type FieldDescriptor struct {
	Name   string
	Unit   Unit
	Type   FieldType
	Size   uint32 // bytes; 0 for Bytes meaning variable, caller-computed otherwise
	Offset uint32 // byte offset within the record payload
}

// SchemaDescriptor is the layout a driver registers for one data stream.
type SchemaDescriptor struct {
	DataID DataID
	Name   string
	Fmts   []FieldDescriptor
}

// DataDescriptor is the public view of a schema descriptor, enriched with
// the device that owns it and which periods it's available at.
type DataDescriptor struct {
	DataID       DataID
	DevID        DeviceID
	Name         string
	Fmts         []FieldDescriptor
	Enabled      bool
	AvailPeriods []Period // empty means "any period accepted"
}

// DataRequest is one entry of a consumer's subscription.
type DataRequest struct {
	ID       DataID
	PeriodNs Period
}

// Timestamp is a (seconds, nanoseconds) pair, matching struct timespec.
type Timestamp struct {
	Sec  int64
	Nsec int64
}

// Record is one timestamped, schema-typed sample emitted by a driver.
type Record struct {
	DataID    DataID
	DevID     DeviceID
	Seqno     uint64
	Timestamp Timestamp
	Data      []byte
}

// Size returns the payload size in bytes.
func (r *Record) Size() int {
	return len(r.Data)
}

// ArgKind enumerates the typed-variant kinds accepted as init arguments.
type ArgKind int

const (
	ArgString ArgKind = iota
	ArgInt
	ArgUint
	ArgFloat
	ArgBool
)

// ArgValue is a typed variant init argument, matching spec.md §6's
// "recognized init-argument kinds".
type ArgValue struct {
	Kind  ArgKind
	Str   string
	Int   int64
	Uint  uint64
	Float float64
	Bool  bool
}
