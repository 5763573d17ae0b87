package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payflow/internal/webhook"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	secret      string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created attempts
	success200    uint64 // Acknowledged webhooks / idempotent replays
	fail409       uint64 // In-progress conflicts
	fail429       uint64 // Rate limited
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&secret, "secret", "dev-secret", "Webhook HMAC secret")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// worker fires an initialize followed by a signed webhook. Under hotspot the
// webhook reference is shared across workers, hammering the single-credit
// guarantee for one reference.
func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 15 * time.Second}

	for time.Since(start) < duration {
		userID := int64(rand.Intn(1000) + 1)

		payload := map[string]interface{}{
			"user_id": userID,
			"amount":  int64(1000),
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/payments/initialize", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.NewString())
		req.Header.Set("X-Client-ID", fmt.Sprintf("bench-%d", rand.Intn(10_000)))
		record(client.Do(req))

		notify := map[string]interface{}{
			"reference": webhookReference(userID),
			"user_id":   userID,
			"amount":    int64(1000),
		}
		notifyBody, _ := json.Marshal(notify)

		whReq, _ := http.NewRequest("POST", targetURL+"/api/v1/payments/webhook", bytes.NewBuffer(notifyBody))
		whReq.Header.Set("Content-Type", "application/json")
		whReq.Header.Set("X-Provider-ID", fmt.Sprintf("bench-provider-%d", rand.Intn(10_000)))
		whReq.Header.Set(webhook.SignatureHeader, webhook.Sign(secret, notifyBody))
		record(client.Do(whReq))
	}
}

func webhookReference(userID int64) string {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// 90% of webhook traffic targets one contested reference.
		return "bench-hot-ref"
	}
	return fmt.Sprintf("bench-ref-%d-%d", userID, time.Now().UnixNano())
}

func record(resp *http.Response, err error) {
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case 201:
		atomic.AddUint64(&success201, 1)
	case 200:
		atomic.AddUint64(&success200, 1)
	case 409:
		atomic.AddUint64(&fail409, 1)
	case 429:
		atomic.AddUint64(&fail429, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_acked":   s200,
		"aborts_conflict": f409,
		"rate_limited":    f429,
		"errors":          fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
