// Package export writes run results as Arrow records: to an IPC file on disk
// or to an Arrow Flight endpoint.
package export

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-gemmbench/internal/bench"
	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/verify"
)

// Phase values of the "phase" column.
const (
	PhaseCheck = "check"
	PhaseBench = "bench"
)

// Results is everything one run exports.
type Results struct {
	Device  device.Info
	Checks  []verify.KernelReport
	Benches []bench.Result
}

// Rows is the number of rows Record produces for r.
func (r Results) Rows() int {
	n := len(r.Benches)
	for _, c := range r.Checks {
		n += len(c.Results)
	}
	return n
}

// Columns that do not apply to a row's phase are null.
var schema = arrow.NewSchema([]arrow.Field{
	{Name: "backend", Type: arrow.BinaryTypes.String},
	{Name: "device", Type: arrow.BinaryTypes.String},
	{Name: "kernel", Type: arrow.BinaryTypes.String},
	{Name: "phase", Type: arrow.BinaryTypes.String},
	{Name: "size", Type: arrow.PrimitiveTypes.Int32},
	{Name: "passed", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	{Name: "max_abs_deviation", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "non_finite", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "iterations", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "elapsed_seconds", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "gflops", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "verified", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
}, nil)

func Schema() *arrow.Schema { return schema }

// Record builds one record holding every check row followed by every bench
// row. The caller releases it.
func Record(mem memory.Allocator, r Results) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	backend := b.Field(0).(*array.StringBuilder)
	dev := b.Field(1).(*array.StringBuilder)
	kernel := b.Field(2).(*array.StringBuilder)
	phase := b.Field(3).(*array.StringBuilder)
	size := b.Field(4).(*array.Int32Builder)
	passed := b.Field(5).(*array.BooleanBuilder)
	deviation := b.Field(6).(*array.Float64Builder)
	nonFinite := b.Field(7).(*array.Int32Builder)
	iterations := b.Field(8).(*array.Int64Builder)
	elapsed := b.Field(9).(*array.Float64Builder)
	gflops := b.Field(10).(*array.Float64Builder)
	verified := b.Field(11).(*array.BooleanBuilder)

	b.Reserve(r.Rows())

	common := func(k, p string, n int) {
		backend.Append(r.Device.Backend)
		dev.Append(r.Device.Name)
		kernel.Append(k)
		phase.Append(p)
		size.Append(int32(n))
	}

	for _, rep := range r.Checks {
		for _, res := range rep.Results {
			common(res.Kernel, PhaseCheck, res.Size)
			passed.Append(res.Passed)
			if math.IsNaN(res.MaxAbsDeviation) {
				deviation.AppendNull()
			} else {
				deviation.Append(res.MaxAbsDeviation)
			}
			nonFinite.Append(int32(res.NonFinite))
			iterations.AppendNull()
			elapsed.AppendNull()
			gflops.AppendNull()
			verified.AppendNull()
		}
	}

	for _, res := range r.Benches {
		common(res.Kernel, PhaseBench, res.Size)
		passed.AppendNull()
		deviation.AppendNull()
		nonFinite.AppendNull()
		iterations.Append(int64(res.Iterations))
		elapsed.Append(res.Elapsed.Seconds())
		gflops.Append(res.GFLOPS)
		verified.Append(res.Verified)
	}

	return b.NewRecord()
}
