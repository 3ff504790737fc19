package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"
	"time"

	"raftvfs/pkg/client"
	"raftvfs/pkg/types"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// op выполняет i-ю операцию воркера w.
type op func(ctx context.Context, w, i int) error

func main() {
	endpoints := flag.String("endpoints", "http://localhost:8080", "comma separated node addresses")
	groupID := flag.Uint64("group", 1, "group to load")
	total := flag.Int("ops", 100, "operations per test")
	concurrency := flag.Int("c", 10, "goroutines for concurrent tests")
	flag.Parse()

	c, err := client.New(strings.Split(*endpoints, ","))
	if err != nil {
		fmt.Println("ERROR:", err)
		return
	}
	g := types.GroupID(*groupID)
	ctx := context.Background()

	fmt.Println("=== VFS Benchmark Test ===")
	fmt.Printf("Targets: %s, group %d\n", *endpoints, g)
	fmt.Println()

	// Проверка доступности
	st, err := c.Status(ctx, g)
	if err != nil {
		fmt.Printf("ERROR: group %d is not available: %v\n", g, err)
		return
	}
	fmt.Printf("Leader: %d, term %d, applied %d\n\n", st.Lead, st.Term, st.Applied)

	prefix := fmt.Sprintf("/bench-%d", time.Now().UnixNano())
	pathOf := func(w, i int) string { return fmt.Sprintf("%s/w%d/f%d", prefix, w, i) }

	create := func(ctx context.Context, w, i int) error {
		_, err := c.Create(ctx, g, pathOf(w, i), fmt.Sprintf("bench_value_%d_%d", w, i))
		return err
	}
	readAt := func(cons types.Consistency) op {
		return func(ctx context.Context, w, i int) error {
			_, err := c.ReadPath(ctx, g, pathOf(w, i), cons)
			return err
		}
	}

	// Тест 1: Последовательные записи
	fmt.Printf("Test 1: Sequential Creates (%d operations)\n", *total)
	printResult(run(ctx, *total, 1, create))

	// Тест 2: Последовательные чтения тех же файлов
	fmt.Printf("\nTest 2: Sequential Linearizable Reads (%d operations)\n", *total)
	printResult(run(ctx, *total, 1, readAt(types.Linearizable)))

	// Тест 3: Параллельные записи
	fmt.Printf("\nTest 3: Concurrent Creates (%d operations, %d goroutines)\n", *total, *concurrency)
	prefix += "-c"
	printResult(run(ctx, *total, *concurrency, create))

	// Тест 4: Параллельные чтения
	fmt.Printf("\nTest 4: Concurrent Linearizable Reads (%d operations, %d goroutines)\n", *total, *concurrency)
	printResult(run(ctx, *total, *concurrency, readAt(types.Linearizable)))

	fmt.Printf("\nTest 5: Concurrent Local Reads (%d operations, %d goroutines)\n", *total, *concurrency)
	printResult(run(ctx, *total, *concurrency, readAt(types.Local)))

	fmt.Println("\n=== Benchmark Complete ===")
}

// run делит totalOps между concurrency воркерами и собирает латентности.
func run(ctx context.Context, totalOps, concurrency int, fn op) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if w < remainder {
				ops++
			}

			for i := 0; i < ops; i++ {
				opStart := time.Now()
				err := fn(ctx, w, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w)
	}

	wg.Wait()
	duration := time.Since(start)

	// Вычисление статистики латентности
	var min, max, sum, avg time.Duration
	if len(latencies) > 0 {
		min = latencies[0]
		max = latencies[0]
		for _, lat := range latencies {
			if lat < min {
				min = lat
			}
			if lat > max {
				max = lat
			}
			sum += lat
		}
		avg = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avg,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
