// Package geom 世界座標的向量運算
package geom

import (
	"encoding/json"
	"errors"
	"math"
)

// Vector 三維座標
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

var errNotVector = errors.New("vector requires numeric x, y and z")

// UnmarshalJSON 三個分量都必須是數字
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
		Z *float64 `json:"z"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errNotVector
	}
	if raw.X == nil || raw.Y == nil || raw.Z == nil {
		return errNotVector
	}
	*v = Vector{X: *raw.X, Y: *raw.Y, Z: *raw.Z}
	return nil
}

// Sub v - o
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Length 向量長度
func (v Vector) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance 兩點距離
func Distance(a, b Vector) float64 {
	return a.Sub(b).Length()
}
