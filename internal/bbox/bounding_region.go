// Package bbox implements axis-aligned hyperrectangles used both as the
// bounding region of a record and as the covering region of a partition.
package bbox

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Interval is one dimension of a BoundingRegion. Low is always inclusive;
// High is exclusive when OpenHigh is set.
type Interval struct {
	Low      float64 `json:"low" msgpack:"low"`
	High     float64 `json:"high" msgpack:"high"`
	OpenHigh bool    `json:"open_high,omitempty" msgpack:"open_high,omitempty"`
}

// BoundingRegion is a D-dimensional box. The zero value has no dimensions.
type BoundingRegion struct {
	Intervals []Interval `json:"intervals" msgpack:"intervals"`
}

// New builds a closed region from (low, high) pairs.
func New(coords ...float64) (BoundingRegion, error) {
	if len(coords) == 0 || len(coords)%2 != 0 {
		return BoundingRegion{}, fmt.Errorf("expected an even, non-zero number of coordinates, got %d", len(coords))
	}
	r := BoundingRegion{Intervals: make([]Interval, len(coords)/2)}
	for i := range r.Intervals {
		low, high := coords[2*i], coords[2*i+1]
		if math.IsNaN(low) || math.IsNaN(high) {
			return BoundingRegion{}, fmt.Errorf("dimension %d: NaN coordinate", i)
		}
		if low > high {
			return BoundingRegion{}, fmt.Errorf("dimension %d: low %v > high %v", i, low, high)
		}
		r.Intervals[i] = Interval{Low: low, High: high}
	}
	return r, nil
}

// MustNew is New for literals in tests and tables.
func MustNew(coords ...float64) BoundingRegion {
	r, err := New(coords...)
	if err != nil {
		panic(err)
	}
	return r
}

// Point returns the degenerate region covering a single point.
func Point(coords ...float64) BoundingRegion {
	pairs := make([]float64, 0, 2*len(coords))
	for _, c := range coords {
		pairs = append(pairs, c, c)
	}
	return MustNew(pairs...)
}

// FullSpace returns the region covering the whole domain in d dimensions.
func FullSpace(d int) BoundingRegion {
	r := BoundingRegion{Intervals: make([]Interval, d)}
	for i := range r.Intervals {
		r.Intervals[i] = Interval{Low: math.Inf(-1), High: math.Inf(1)}
	}
	return r
}

// Dimensions returns D.
func (r BoundingRegion) Dimensions() int {
	return len(r.Intervals)
}

// Low returns the lower bound of dimension dim.
func (r BoundingRegion) Low(dim int) float64 { return r.Intervals[dim].Low }

// High returns the upper bound of dimension dim.
func (r BoundingRegion) High(dim int) float64 { return r.Intervals[dim].High }

// Center returns the midpoint of dimension dim. Unbounded sides collapse the
// center onto the bounded one.
func (r BoundingRegion) Center(dim int) float64 {
	iv := r.Intervals[dim]
	switch {
	case math.IsInf(iv.Low, -1) && math.IsInf(iv.High, 1):
		return 0
	case math.IsInf(iv.Low, -1):
		return iv.High
	case math.IsInf(iv.High, 1):
		return iv.Low
	}
	return iv.Low + (iv.High-iv.Low)/2
}

// Overlaps reports whether the two regions share at least one point. Regions
// of different dimensionality never overlap.
func (r BoundingRegion) Overlaps(other BoundingRegion) bool {
	if r.Dimensions() != other.Dimensions() {
		return false
	}
	for i, a := range r.Intervals {
		b := other.Intervals[i]
		if !below(a.Low, b) || !below(b.Low, a) {
			return false
		}
	}
	return true
}

// below reports whether the inclusive lower bound v lies at or under the
// upper end of iv.
func below(v float64, iv Interval) bool {
	if iv.OpenHigh {
		return v < iv.High
	}
	return v <= iv.High
}

// Contains reports whether the point lies inside the region.
func (r BoundingRegion) Contains(point []float64) bool {
	if len(point) != r.Dimensions() {
		return false
	}
	for i, iv := range r.Intervals {
		if point[i] < iv.Low || !below(point[i], iv) {
			return false
		}
	}
	return true
}

// Split cuts the region at value on dimension dim. The left part is
// [low, value) and the right part is [value, high] with the original upper
// openness preserved.
func (r BoundingRegion) Split(dim int, value float64) (BoundingRegion, BoundingRegion, error) {
	if dim < 0 || dim >= r.Dimensions() {
		return BoundingRegion{}, BoundingRegion{}, fmt.Errorf("split dimension %d out of range [0,%d)", dim, r.Dimensions())
	}
	iv := r.Intervals[dim]
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= iv.Low || value >= iv.High {
		return BoundingRegion{}, BoundingRegion{}, fmt.Errorf("split value %v outside (%v, %v)", value, iv.Low, iv.High)
	}
	left, right := r.clone(), r.clone()
	left.Intervals[dim] = Interval{Low: iv.Low, High: value, OpenHigh: true}
	right.Intervals[dim] = Interval{Low: value, High: iv.High, OpenHigh: iv.OpenHigh}
	return left, right, nil
}

// Equal compares regions including interval openness.
func (r BoundingRegion) Equal(other BoundingRegion) bool {
	if r.Dimensions() != other.Dimensions() {
		return false
	}
	for i := range r.Intervals {
		if r.Intervals[i] != other.Intervals[i] {
			return false
		}
	}
	return true
}

func (r BoundingRegion) clone() BoundingRegion {
	out := BoundingRegion{Intervals: make([]Interval, len(r.Intervals))}
	copy(out.Intervals, r.Intervals)
	return out
}

// String renders the canonical text form, e.g. "[0,10]:[1,2)".
func (r BoundingRegion) String() string {
	var sb strings.Builder
	for i, iv := range r.Intervals {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteByte('[')
		sb.WriteString(formatCoord(iv.Low))
		sb.WriteByte(',')
		sb.WriteString(formatCoord(iv.High))
		if iv.OpenHigh {
			sb.WriteByte(')')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}

func formatCoord(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "min"
	case math.IsInf(v, 1):
		return "max"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseCoord(s string) (float64, error) {
	switch s {
	case "min":
		return math.Inf(-1), nil
	case "max":
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// Parse is the inverse of String.
func Parse(s string) (BoundingRegion, error) {
	if s == "" {
		return BoundingRegion{}, fmt.Errorf("empty bounding region")
	}
	parts := strings.Split(s, ":")
	r := BoundingRegion{Intervals: make([]Interval, len(parts))}
	for i, p := range parts {
		if len(p) < 5 || p[0] != '[' {
			return BoundingRegion{}, fmt.Errorf("malformed interval %q", p)
		}
		closing := p[len(p)-1]
		if closing != ']' && closing != ')' {
			return BoundingRegion{}, fmt.Errorf("malformed interval %q", p)
		}
		bounds := strings.Split(p[1:len(p)-1], ",")
		if len(bounds) != 2 {
			return BoundingRegion{}, fmt.Errorf("malformed interval %q", p)
		}
		low, err := parseCoord(bounds[0])
		if err != nil {
			return BoundingRegion{}, fmt.Errorf("interval %q: %w", p, err)
		}
		high, err := parseCoord(bounds[1])
		if err != nil {
			return BoundingRegion{}, fmt.Errorf("interval %q: %w", p, err)
		}
		if low > high {
			return BoundingRegion{}, fmt.Errorf("interval %q: low > high", p)
		}
		r.Intervals[i] = Interval{Low: low, High: high, OpenHigh: closing == ')'}
	}
	return r, nil
}

// MarshalJSON uses the canonical text form so that unbounded sides survive.
func (r BoundingRegion) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *BoundingRegion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Binary layout: field 1 repeated fixed64 low, field 2 repeated fixed64
// high, field 3 varint bitmask of open upper ends.

// MarshalBinary implements encoding.BinaryMarshaler.
func (r BoundingRegion) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(nil), nil
}

// AppendBinary appends the binary encoding of r to b.
func (r BoundingRegion) AppendBinary(b []byte) []byte {
	var open uint64
	for i, iv := range r.Intervals {
		b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(iv.Low))
		b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(iv.High))
		if iv.OpenHigh {
			open |= 1 << uint(i)
		}
	}
	if open != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, open)
	}
	return b
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *BoundingRegion) UnmarshalBinary(b []byte) error {
	var lows, highs []float64
	var open uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			lows = append(lows, math.Float64frombits(v))
			b = b[n:]
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			highs = append(highs, math.Float64frombits(v))
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			open = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if len(lows) != len(highs) {
		return fmt.Errorf("bounding region: %d lows but %d highs", len(lows), len(highs))
	}
	r.Intervals = make([]Interval, len(lows))
	for i := range lows {
		r.Intervals[i] = Interval{Low: lows[i], High: highs[i], OpenHigh: open&(1<<uint(i)) != 0}
	}
	return nil
}
