package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/Qodestackr/bima-bazaar-api/adapters/natsstore"
	"github.com/Qodestackr/bima-bazaar-api/adapters/redisstore"
	"github.com/Qodestackr/bima-bazaar-api/core/claims"
	"github.com/Qodestackr/bima-bazaar-api/core/durable"
	"github.com/Qodestackr/bima-bazaar-api/core/platform"
	"github.com/Qodestackr/bima-bazaar-api/core/policy"
	"github.com/Qodestackr/bima-bazaar-api/ports/statestore"
)

// === Config ===

// NOTE: run redis: docker run --net=host redis:7-alpine
//       run nats:  docker run --net=host nats:latest -js

var (
	logLevel    = slog.LevelInfo
	N           = getEnvInt("N", 10_000)
	workers     = getEnvInt("W", 16)
	saccos      = getEnvInt("SACCOS", 50)
	backendType = getEnv("BACKEND", "mem")
	redisURL    = getEnv("REDIS_URL", "redis://localhost:6379/0")
	withClaims  = getEnvBool("CLAIMS", true)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "0")
	if v == "" {
		return fallback
	}
	if v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	fmt.Printf("Backend: %s\n", backendType)
	fmt.Printf("Ops:     %d across %d workers\n", N, workers)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Second)
	defer cancel()

	var store statestore.Store
	switch backendType {
	case "redis":
		rs, err := redisstore.New(ctx, redisstore.Config{URL: redisURL, Log: log})
		checkErr(err)
		defer rs.Close()
		store = rs
	case "nats":
		ns, err := natsstore.New(ctx, natsstore.Config{Bucket: "loadtest_state", Log: log})
		checkErr(err)
		defer ns.Close()
		store = ns
	default:
		store = statestore.NewMemStore()
	}

	p, err := platform.New(platform.Config{Store: store, Log: log})
	checkErr(err)
	defer p.Close()

	// Seed one credit pool per model; every deduct below draws from these.
	models := []string{"model-a", "model-b", "model-c", "model-d"}
	for _, id := range models {
		mgr, err := p.GetCreditManager(ctx, id)
		checkErr(err)
		checkErr(mgr.TopUp(ctx, float64(N)))
	}

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	var (
		deducts       atomic.Int64
		registrations atomic.Int64
		enqueued      atomic.Int64
		conflicts     atomic.Int64
		failures      atomic.Int64
	)

	startAt := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < N; i += workers {
				switch i % 3 {
				case 0:
					modelID := models[i%len(models)]
					mgr, err := p.GetCreditManager(ctx, modelID)
					checkErr(err)
					txnID := gonanoid.Must()
					err = mgr.Deduct(ctx, 1, txnID, func(context.Context) error { return nil })
					switch {
					case err == nil:
						deducts.Add(1)
					case errors.Is(err, durable.ErrStateConflict):
						conflicts.Add(1)
					default:
						failures.Add(1)
						log.Error("deduct failed", slog.Any("error", err))
					}
				case 1:
					saccoID := fmt.Sprintf("sacco-%d", i%saccos)
					reg, err := p.GetPolicyRegistry(ctx, saccoID)
					checkErr(err)
					plate := fmt.Sprintf("K%s-%d", gonanoid.MustGenerate("ABCDEFGHJKLMNPQRSTUVWXYZ", 3), i)
					driver := policy.Driver{Name: fmt.Sprintf("driver-%d", i)}
					if err := reg.RegisterVehicle(ctx, plate, driver); err != nil {
						failures.Add(1)
						log.Error("register failed", slog.Any("error", err))
					} else {
						registrations.Add(1)
					}
				case 2:
					if !withClaims {
						continue
					}
					region := fmt.Sprintf("region-%d", i%8)
					b, err := p.GetClaimsBatcher(ctx, region)
					checkErr(err)
					c := claims.Claim{
						ID:      gonanoid.Must(),
						SaccoID: fmt.Sprintf("sacco-%d", i%saccos),
						Amount:  float64(100 + i%900),
					}
					if _, err := b.Enqueue(ctx, c); err != nil {
						failures.Add(1)
						log.Error("enqueue failed", slog.Any("error", err))
					} else {
						enqueued.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()

	// Drain every region's queue.
	var settled, missed int
	if withClaims {
		for r := 0; r < 8; r++ {
			b, err := p.GetClaimsBatcher(ctx, fmt.Sprintf("region-%d", r))
			checkErr(err)
			for {
				res, err := b.ProcessBatch(ctx)
				if err != nil && !errors.Is(err, claims.ErrSettlementReadMiss) {
					checkErr(err)
				}
				settled += len(res.Settled)
				missed += len(res.Missed)
				if len(res.Settled)+len(res.Missed) == 0 {
					break
				}
			}
		}
	}

	// === stats ===

	doneAt := time.Now()
	took := doneAt.Sub(startAt)
	runtime.GC()
	mu := getMemUsage()

	println("")
	println("==========================================")
	fmt.Printf(" total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("       deducts: %d\n", deducts.Load())
	fmt.Printf(" registrations: %d\n", registrations.Load())
	fmt.Printf("claims settled: %d (enqueued %d, missed %d)\n", settled, enqueued.Load(), missed)
	fmt.Printf("     conflicts: %d\n", conflicts.Load())
	fmt.Printf("      failures: %d\n", failures.Load())
	fmt.Printf("    avg. ops/s: %d\n", int(float64(N)/took.Seconds()))
	fmt.Printf("      mem (MiB): %d alloc / %d sys\n", mu.Alloc/1024/1024, mu.Sys/1024/1024)
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}
