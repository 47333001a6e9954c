package udf

import (
	"context"
	"fmt"
	"testing"

	"github.com/TFMV/ferry/bridge"
	"github.com/TFMV/ferry/codec"
	"github.com/TFMV/ferry/engine"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func addRow(s *host.Session, args ...host.Value) (host.Value, error) {
	x, _ := host.AsFloat64(args[0])
	y, _ := host.AsFloat64(args[1])
	return x + y, nil
}

func BenchmarkInvoke(b *testing.B) {
	f64 := arrow.PrimitiveTypes.Float64
	inputs := []arrow.DataType{f64, f64}

	for _, mode := range []Mode{RowWise, Vectorized} {
		for _, size := range []int{1_000, 100_000} {
			b.Run(fmt.Sprintf("%s/size_%d", mode, size), func(b *testing.B) {
				mem := memory.NewGoAllocator()
				rt := host.NewRuntime()
				c := codec.NewArrayCodec(bridge.New(mem))

				fn := host.Callable(addRow)
				if mode == Vectorized {
					fn = addArrays
				}
				f, err := New(rt, c, "add", mode, fn, engine.Signature{Inputs: inputs, Output: f64})
				if err != nil {
					b.Fatal(err)
				}

				vals := make([]float64, size)
				for i := range vals {
					vals[i] = float64(i)
				}
				arg := float64s(mem, vals)
				defer arg.Release()
				args := []arrow.Array{arg, arg}

				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					out, err := f.Invoke(context.Background(), args, size)
					if err != nil {
						b.Fatal(err)
					}
					out.Release()
				}
			})
		}
	}
}
