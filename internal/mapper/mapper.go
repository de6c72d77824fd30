// Package mapper indexes coordinates into H3 cells.
package mapper

import (
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
)

type Interface interface {
	CellForCoordinate(c model.GeoCoordinate, res int) (string, error)
	ToParent(cell string, parentRes int) (string, error)
}
