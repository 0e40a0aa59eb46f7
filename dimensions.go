package measured

import (
	"fmt"
	"sort"
	"strconv"
)

// Dimensions is an immutable set of label name/value pairs attached to a metric.
// Construction order is not significant. The zero value is an empty set.
type Dimensions struct {
	labels map[string]string
}

// NewDimensions builds Dimensions from alternating name/value pairs, the same
// convention the labeled collectors use: [name1, value1, name2, value2, ...].
func NewDimensions(pairs ...string) (Dimensions, error) {
	if len(pairs)%2 != 0 {
		return Dimensions{}, fmt.Errorf("%w: odd number of label arguments (%d)", ErrInvalidDimension, len(pairs))
	}
	labels := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		if pairs[i] == "" {
			return Dimensions{}, fmt.Errorf("%w: empty dimension name at position %d", ErrInvalidDimension, i)
		}
		labels[pairs[i]] = pairs[i+1]
	}
	return Dimensions{labels: labels}, nil
}

// MustDimensions is like NewDimensions but panics on invalid input.
// It is intended for package-level literals and tests.
func MustDimensions(pairs ...string) Dimensions {
	d, err := NewDimensions(pairs...)
	if err != nil {
		panic(err)
	}
	return d
}

// DimensionsFromStrings copies a string map into Dimensions.
func DimensionsFromStrings(m map[string]string) (Dimensions, error) {
	labels := make(map[string]string, len(m))
	for k, v := range m {
		if k == "" {
			return Dimensions{}, fmt.Errorf("%w: empty dimension name", ErrInvalidDimension)
		}
		labels[k] = v
	}
	return Dimensions{labels: labels}, nil
}

// DimensionsFromMap converts loosely typed label values. Strings, fmt.Stringer,
// booleans, integers and floats are formatted with strconv; any other value is
// rejected with ErrTypeMismatch so that a malformed key is never produced.
func DimensionsFromMap(m map[string]any) (Dimensions, error) {
	labels := make(map[string]string, len(m))
	for k, v := range m {
		if k == "" {
			return Dimensions{}, fmt.Errorf("%w: empty dimension name", ErrInvalidDimension)
		}
		s, err := formatDimensionValue(v)
		if err != nil {
			return Dimensions{}, fmt.Errorf("dimension %q: %w", k, err)
		}
		labels[k] = s
	}
	return Dimensions{labels: labels}, nil
}

func formatDimensionValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: unsupported value of type %T", ErrTypeMismatch, v)
	}
}

// Len returns the number of dimensions.
func (d Dimensions) Len() int { return len(d.labels) }

// Get returns the value for name.
func (d Dimensions) Get(name string) (string, bool) {
	v, ok := d.labels[name]
	return v, ok
}

// Names returns the dimension names in lexicographic order.
func (d Dimensions) Names() []string {
	names := make([]string, 0, len(d.labels))
	for k := range d.labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Map returns a copy of the underlying labels.
func (d Dimensions) Map() map[string]string {
	out := make(map[string]string, len(d.labels))
	for k, v := range d.labels {
		out[k] = v
	}
	return out
}

// With returns a copy of d with name set to value.
func (d Dimensions) With(name, value string) (Dimensions, error) {
	if name == "" {
		return Dimensions{}, fmt.Errorf("%w: empty dimension name", ErrInvalidDimension)
	}
	labels := d.Map()
	labels[name] = value
	return Dimensions{labels: labels}, nil
}

// Equal reports whether d and o carry the same names and values.
func (d Dimensions) Equal(o Dimensions) bool {
	if len(d.labels) != len(o.labels) {
		return false
	}
	for k, v := range d.labels {
		if ov, ok := o.labels[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (d Dimensions) String() string {
	s := "{"
	for i, name := range d.Names() {
		if i > 0 {
			s += ", "
		}
		s += name + "=" + strconv.Quote(d.labels[name])
	}
	return s + "}"
}
