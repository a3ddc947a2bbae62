package versionmap

import (
	"testing"

	"github.com/zeusync/worldstore/internal/core/models"
)

func BenchmarkVersionMap_Encoding(b *testing.B) {
	v := New()
	for i := range 100_000 {
		v.Set(models.EntityID(i*7+1), uint64(i%13+1))
	}

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		encoded := v.EncodeWith(c)

		b.Run(c.String(), func(b *testing.B) {
			b.Run("Encode", func(b *testing.B) {
				b.ReportAllocs()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_ = v.EncodeWith(c)
				}
			})

			b.Run("Decode", func(b *testing.B) {
				b.SetBytes(int64(len(encoded)))
				b.ReportAllocs()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					if _, err := Decode(encoded); err != nil {
						b.Fatal(err)
					}
				}
			})
		})
	}
}
