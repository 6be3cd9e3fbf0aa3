package codec

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Scale converts between world units and the fixed-point integers carried
// on the wire.
const Scale = 10000

// Vec3 is a fixed-point position or direction. Gameplay code owns its
// meaning; the frame core only carries it.
type Vec3 struct {
	X, Y, Z int32
}

// VecFromFloat converts world units to fixed point, rounding to nearest.
func VecFromFloat(x, y, z float64) Vec3 {
	return Vec3{X: fixed(x), Y: fixed(y), Z: fixed(z)}
}

func fixed(f float64) int32 { return int32(math.Round(f * Scale)) }

// Float returns the vector in world units.
func (v Vec3) Float() (x, y, z float64) {
	return float64(v.X) / Scale, float64(v.Y) / Scale, float64(v.Z) / Scale
}

// IsZero reports whether every component is zero.
func (v Vec3) IsZero() bool { return v == Vec3{} }

// Marshal implements Message.
func (v *Vec3) Marshal() []byte {
	var b []byte
	b = AppendSint32(b, 1, v.X)
	b = AppendSint32(b, 2, v.Y)
	b = AppendSint32(b, 3, v.Z)
	return b
}

// Unmarshal implements Message.
func (v *Vec3) Unmarshal(b []byte) error {
	*v = Vec3{}
	return Walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return Sint32(typ, b, &v.X)
		case 2:
			return Sint32(typ, b, &v.Y)
		case 3:
			return Sint32(typ, b, &v.Z)
		}
		return 0, nil
	})
}
