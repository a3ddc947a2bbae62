package models

import (
	"testing"
)

func benchEntity(id EntityID) *Entity {
	return NewEntity(id,
		&Label{Text: "crate"},
		&Position{V: Vec3{12.5, 0, -3}},
		&Size{V: Vec3{1, 1, 1}},
		&Health{HP: 80, MaxHP: 100},
		&Iced{},
	)
}

func BenchmarkCodec_Entity(b *testing.B) {
	e := benchEntity(7)
	encoded := EncodeEntity(e)

	b.Run("Encode", func(b *testing.B) {
		buf := make([]byte, 0, len(encoded))
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			buf = AppendEntity(buf[:0], e)
		}
	})

	b.Run("Decode", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			if _, err := DecodeEntity(7, encoded); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkCodec_Changes(b *testing.B) {
	changes := make([]Change, 0, 64)
	for i := range 64 {
		id := EntityID(i + 1)
		switch i % 3 {
		case 0:
			changes = append(changes, Create(benchEntity(id)).WithVersion(1))
		case 1:
			changes = append(changes, Update(id, NewDelta().Set(&Position{V: Vec3{float64(i), 0, 0}}).Clear(IcedID)).WithVersion(2))
		default:
			changes = append(changes, Delete(id).WithVersion(3))
		}
	}
	encoded := EncodeChanges(changes)

	b.Run("Encode", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = EncodeChanges(changes)
		}
	})

	b.Run("Decode", func(b *testing.B) {
		b.ReportAllocs()
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			if _, err := DecodeChanges(encoded); err != nil {
				b.Fatal(err)
			}
		}
	})
}
