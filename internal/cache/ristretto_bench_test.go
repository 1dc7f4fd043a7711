package cache

import (
	"context"
	"strconv"
	"testing"

	"go.uber.org/zap/zaptest"
)

func BenchmarkTieredCacheGet(b *testing.B) {
	cache, err := NewTieredCache("bench:", 0, 0, nil, zaptest.NewLogger(b))
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		_ = cache.Set(ctx, strconv.Itoa(i), "tenant persona profile")
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			cache.Get(ctx, strconv.Itoa(i%1000))
			i++
		}
	})
}

func BenchmarkTieredCacheSet(b *testing.B) {
	cache, err := NewTieredCache("bench:", 0, 0, nil, zaptest.NewLogger(b))
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Set(ctx, strconv.Itoa(i%1000), "tenant persona profile")
	}
}
