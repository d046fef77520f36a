// Package spatial 實作 VGS: 空間格協議
//
// 世界座標切成邊長 gridSize 的正方格，每一格對應一個群組。
// 客戶端回報位置時自動換到所在格的群組，廣播只送給同一格的成員。
package spatial

import (
	"fmt"
	"math"

	"github.com/koopa0/system-design/14-realtime-groups/internal/geom"
	apperrors "github.com/koopa0/system-design/14-realtime-groups/pkg/errors"
)

// Grid 世界座標到格座標的換算
//
// Unity3D 為 true 時以 z 作為平面的第二軸。
type Grid struct {
	Size    int
	Unity3D bool
}

// Cell 格座標
type Cell struct {
	X, Y, Z int
}

// ID 格的識別字串 x:y:z
func (c Cell) ID() string {
	return fmt.Sprintf("%d:%d:%d", c.X, c.Y, c.Z)
}

// Validate 格的邊長必須是正偶數
func (g Grid) Validate() error {
	if g.Size <= 0 || g.Size%2 != 0 {
		return apperrors.New(apperrors.ErrCodeValidation, "grid size must be a positive even number").
			WithDetails(fmt.Sprint(g.Size))
	}
	return nil
}

// CellOf 位置所在的格：floor((c + size/2) / size)
func (g Grid) CellOf(pos geom.Vector) Cell {
	second := pos.Y
	if g.Unity3D {
		second = pos.Z
	}
	size := float64(g.Size)
	half := size / 2
	return Cell{
		X: int(math.Floor((pos.X + half) / size)),
		Y: int(math.Floor((second + half) / size)),
	}
}

// Preheated 啟動時預先建立群組的格，x、y 皆落在 [0, Size]
func (g Grid) Preheated() []Cell {
	cells := make([]Cell, 0, (g.Size+1)*(g.Size+1))
	seen := make(map[Cell]bool)
	for x := 0; x <= g.Size; x++ {
		for y := 0; y <= g.Size; y++ {
			world := geom.Vector{X: float64(x * g.Size), Y: float64(y * g.Size)}
			if g.Unity3D {
				world = geom.Vector{X: float64(x * g.Size), Z: float64(y * g.Size)}
			}
			c := g.CellOf(world)
			if seen[c] {
				continue
			}
			seen[c] = true
			cells = append(cells, c)
		}
	}
	return cells
}
