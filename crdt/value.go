package crdt

import "fmt"

type valueKind uint8

const (
	kindNull valueKind = iota
	kindString
	kindInt
	kindFloat
	kindBool
	kindMap     // the entry's ID names a nested map
	kindRemoved // key deleted
)

type value struct {
	kind valueKind
	str  string
	i    int64
	f    float64
	b    bool
}

func toValue(v any) (value, error) {
	switch x := v.(type) {
	case nil:
		return value{kind: kindNull}, nil
	case string:
		return value{kind: kindString, str: x}, nil
	case bool:
		return value{kind: kindBool, b: x}, nil
	case int:
		return value{kind: kindInt, i: int64(x)}, nil
	case int8:
		return value{kind: kindInt, i: int64(x)}, nil
	case int16:
		return value{kind: kindInt, i: int64(x)}, nil
	case int32:
		return value{kind: kindInt, i: int64(x)}, nil
	case int64:
		return value{kind: kindInt, i: x}, nil
	case uint8:
		return value{kind: kindInt, i: int64(x)}, nil
	case uint16:
		return value{kind: kindInt, i: int64(x)}, nil
	case uint32:
		return value{kind: kindInt, i: int64(x)}, nil
	case float32:
		return value{kind: kindFloat, f: float64(x)}, nil
	case float64:
		return value{kind: kindFloat, f: x}, nil
	default:
		return value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// native returns the Go value of a scalar. Nested maps are resolved by Map.
func (v value) native() any {
	switch v.kind {
	case kindString:
		return v.str
	case kindInt:
		return v.i
	case kindFloat:
		return v.f
	case kindBool:
		return v.b
	default:
		return nil
	}
}
