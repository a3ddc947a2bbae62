package index

import (
	"math/rand/v2"
	"testing"

	"github.com/zeusync/worldstore/internal/core/models"
)

// benchSpatial scatters n points over a 2km square plus a few boxes.
func benchSpatial(n int) *SpatialIndex {
	rng := rand.New(rand.NewPCG(1, 2))
	idx := NewSpatialIndex()
	for i := range n {
		e := models.NewEntity(models.EntityID(i+1), &models.Position{V: models.Vec3{
			rng.Float64() * 2000, rng.Float64() * 50, rng.Float64() * 2000,
		}})
		if i%50 == 0 {
			e = e.With(&models.Size{V: models.Vec3{40, 10, 40}})
		}
		idx.Update(e, nil)
	}
	return idx
}

func BenchmarkSpatialIndex_Scan(b *testing.B) {
	idx := benchSpatial(50_000)
	center := models.Vec3{1000, 25, 1000}

	b.Run("Sphere", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = idx.ScanSphere(center, 100)
		}
	})

	b.Run("Sphere Approximate", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = idx.ScanSphere(center, 100, Approximate())
		}
	})

	b.Run("AABB", func(b *testing.B) {
		lo, hi := models.Vec3{900, 0, 900}, models.Vec3{1100, 50, 1100}
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = idx.ScanAABB(lo, hi)
		}
	})

	b.Run("Wide AABB", func(b *testing.B) {
		lo, hi := models.Vec3{-1e6, -1e6, -1e6}, models.Vec3{1e6, 1e6, 1e6}
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = idx.ScanAABB(lo, hi)
		}
	})

	b.Run("Parallel Sphere", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				_ = idx.ScanSphere(center, 50)
			}
		})
	})
}

func BenchmarkSpatialIndex_Update(b *testing.B) {
	idx := benchSpatial(50_000)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		id := models.EntityID(i%50_000 + 1)
		idx.Update(models.NewEntity(id, &models.Position{V: models.Vec3{float64(i % 2000), 0, float64(i % 1999)}}), nil)
	}
}
