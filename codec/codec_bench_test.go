package codec

import (
	"fmt"
	"testing"

	"github.com/TFMV/ferry/bridge"
	"github.com/TFMV/ferry/host"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	smallSize  = 1_000
	mediumSize = 100_000
	largeSize  = 1_000_000
)

func createBenchArray(mem memory.Allocator, n int) arrow.Array {
	bldr := array.NewFloat64Builder(mem)
	defer bldr.Release()

	values := make([]float64, n)
	valid := make([]bool, n)
	for i := range values {
		values[i] = float64(i * 10)
		valid[i] = i%16 != 0
	}
	bldr.AppendValues(values, valid)
	return bldr.NewArray()
}

func BenchmarkEncode(b *testing.B) {
	for _, size := range []int{smallSize, mediumSize, largeSize} {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			mem := memory.NewGoAllocator()
			c := NewArrayCodec(bridge.New(mem))
			arr := createBenchArray(mem, size)
			defer arr.Release()

			rt := host.NewRuntime()
			s := rt.Acquire()
			defer s.Release()

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				ha, err := c.Encode(s, arr)
				if err != nil {
					b.Fatal(err)
				}
				ha.Release()
			}
		})
	}
}

func BenchmarkDecode(b *testing.B) {
	for _, mode := range []bridge.Mode{bridge.Adopt, bridge.Copy} {
		for _, size := range []int{smallSize, mediumSize, largeSize} {
			b.Run(fmt.Sprintf("%s/size_%d", mode, size), func(b *testing.B) {
				mem := memory.NewGoAllocator()
				c := NewArrayCodec(bridge.New(mem), WithImportMode(mode))
				arr := createBenchArray(mem, size)
				defer arr.Release()

				rt := host.NewRuntime()
				s := rt.Acquire()
				defer s.Release()

				ha, err := c.Encode(s, arr)
				if err != nil {
					b.Fatal(err)
				}
				defer ha.Release()

				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					out, err := c.Decode(s, ha)
					if err != nil {
						b.Fatal(err)
					}
					out.Release()
				}
			})
		}
	}
}
