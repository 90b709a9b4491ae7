package executor

import (
	"encoding/binary"
	"math"

	"github.com/cuemby/flowdb/pkg/types"
)

// tsColumn is the index of the timestamp column every block carries
// first (spec §4.4 "timestamps always present in column 0").
const tsColumn = 0

// floatColumnType mirrors the wire type tag for float/double columns;
// group-by on such a column is rejected outright (spec §4.4 "Group-by
// ... which must not be float/double; otherwise rejected"), and
// expression value reads reinterpret this column's bytes as IEEE-754
// rather than a plain integer.
const floatColumnType int32 = 8

// columnInt64 reads the fixed-width big-endian int64 at row i of col,
// the convention fixed-width numeric columns use in Column.Data.
func columnInt64(col types.Column, i int) int64 {
	off := i * 8
	if off+8 > len(col.Data) {
		return 0
	}
	return int64(binary.BigEndian.Uint64(col.Data[off : off+8]))
}

// columnFloat64 reads the fixed-width big-endian float64 at row i of
// col, the bit-for-bit counterpart of columnInt64 for columns tagged
// floatColumnType.
func columnFloat64(col types.Column, i int) float64 {
	off := i * 8
	if off+8 > len(col.Data) {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(col.Data[off : off+8]))
}

// valueAt returns row i's value from block.Columns[colIdx] as a
// float64, dispatching on the column's type tag so accumulators can
// fold both integer and floating-point inputs through one path.
func valueAt(block *types.DataBlock, colIdx, row int) float64 {
	if block == nil || colIdx < 0 || colIdx >= len(block.Columns) {
		return 0
	}
	col := block.Columns[colIdx]
	if col.Type == floatColumnType {
		return columnFloat64(col, row)
	}
	return float64(columnInt64(col, row))
}

// timestampAt returns the row's timestamp, the value every windowing
// operator keys its boundaries on.
func timestampAt(block *types.DataBlock, row int) int64 {
	if block == nil || len(block.Columns) <= tsColumn {
		return 0
	}
	return columnInt64(block.Columns[tsColumn], row)
}

// groupKeyAt returns the serialized group-by key for row i, read from
// the designated group column's variable-length storage (spec §4.4
// "Group-by... streams rows into per-group result rows").
func groupKeyAt(block *types.DataBlock, colIdx, row int) []byte {
	if block == nil || colIdx < 0 || colIdx >= len(block.Columns) {
		return nil
	}
	col := block.Columns[colIdx]
	if row < len(col.VarData) {
		return col.VarData[row]
	}
	return columnInt64Bytes(col, row)
}

func columnInt64Bytes(col types.Column, row int) []byte {
	off := row * 8
	if off+8 > len(col.Data) {
		return nil
	}
	return col.Data[off : off+8]
}

// sliceRows returns a new DataBlock containing only rows [from, to) of
// block, used by blocking operators that re-emit a contiguous range.
func sliceRows(block *types.DataBlock, from, to int) *types.DataBlock {
	n := to - from
	out := &types.DataBlock{
		QueryID: block.QueryID,
		TaskID:  block.TaskID,
		NumRows: int32(n),
	}
	for _, col := range block.Columns {
		newCol := types.Column{Name: col.Name, Type: col.Type, Bytes: col.Bytes}
		if col.Bytes > 0 && len(col.Data) > 0 {
			start := from * int(col.Bytes)
			end := to * int(col.Bytes)
			if end <= len(col.Data) {
				newCol.Data = col.Data[start:end]
			}
		}
		if len(col.VarData) > 0 && to <= len(col.VarData) {
			newCol.VarData = col.VarData[from:to]
		}
		out.Columns = append(out.Columns, newCol)
	}
	return out
}
