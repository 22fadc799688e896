package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PerfResult gathers aggregated metrics for the test run.
// Atomic counters are used to avoid lock‑contention on hot paths.
// LatencySum & P95Latency are in nanoseconds.
//
// P95Latency is maintained via a lightweight reservoir sampler.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	ErrorCount    int64
	LatencySum    int64
	P95Latency    int64
}

const (
	fixedWorkers   = 50
	fixedRPSTarget = 700
	fixedDuration  = 30 * time.Second
	defaultTimeout = 30 * time.Second
	fixedClientID  = int64(1)
	pointsPerAdd   = int64(10)
	baseURL        = "http://localhost:8080"
)

func main() {
	rps := fixedRPSTarget
	duration := fixedDuration
	workers := fixedWorkers
	clientID := fixedClientID

	// ─── HTTP Client & Transport ─────────────────────────────────
	transport := &http.Transport{
		MaxIdleConns:        workers * 4,
		MaxIdleConnsPerHost: workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}

	// Starting balance, to verify the ledger afterwards
	startBalance, err := fetchBalance(httpClient, clientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read starting balance: %v\n", err)
		os.Exit(1)
	}

	// ─── Banner ──────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🚀 Loyalty ledger load test (uniform)")
	fmt.Println("==========================================")
	fmt.Printf("Client ID  : %d\n", clientID)
	fmt.Printf("RPS        : %d\n", rps)
	fmt.Printf("Duration   : %v\n", duration)
	fmt.Printf("Points/req : %d\n", pointsPerAdd)
	fmt.Println("==========================================")

	// ─── Rate limiter & context ─────────────────────────────────
	burst := rps / workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup

	// latencyChan collects latencies for P95 estimation.
	latencyChan := make(chan time.Duration, 4096)
	go trackP95(latencyChan, &result)

	// ─── Workers ────────────────────────────────────────────────
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil { // context cancelled → exit
					return
				}
				doRequest(httpClient, clientID, &result, latencyChan)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done() // wait for duration

	// ─── Cleanup ────────────────────────────────────────────────
	wg.Wait()
	close(latencyChan)

	totalDur := time.Since(start)

	// ─── Report ─────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("📊 Load test results")
	fmt.Println("==========================================")
	fmt.Printf("Elapsed            : %.2fs\n", totalDur.Seconds())
	fmt.Printf("Total requests     : %d\n", result.TotalRequests)
	fmt.Printf("Successful requests: %d\n", result.SuccessCount)
	fmt.Printf("Failed requests    : %d\n", result.ErrorCount)

	actualRPS := float64(result.SuccessCount) / totalDur.Seconds()
	successRate := float64(result.SuccessCount) / float64(result.TotalRequests) * 100

	var avgLatency time.Duration
	if result.SuccessCount > 0 {
		avgLatency = time.Duration(result.LatencySum / result.SuccessCount)
	}

	fmt.Printf("Actual RPS         : %.2f\n", actualRPS)
	fmt.Printf("Success rate       : %.2f%%\n", successRate)
	fmt.Printf("Average latency    : %v\n", avgLatency)
	fmt.Printf("P95 latency        : %v\n", time.Duration(result.P95Latency))
	fmt.Println("==========================================")

	// ─── Data Consistency Check ─────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🔍 Ledger consistency check")
	fmt.Println("==========================================")

	if err := verifyLedgerConsistency(httpClient, clientID, startBalance, result.SuccessCount); err != nil {
		fmt.Printf("❌ Consistency check failed: %v\n", err)
	} else {
		fmt.Println("✅ Ledger is consistent")
	}
	fmt.Println("==========================================")
}

type addPointsRequest struct {
	ClientID int64  `json:"client_id"`
	Points   int64  `json:"points"`
	Comment  string `json:"comment"`
}

type addPointsResponse struct {
	Success bool `json:"success"`
	Data    struct {
		NewBalance int64 `json:"new_balance"`
	} `json:"data"`
}

// doRequest performs a single points accrual and collects metrics.
func doRequest(httpClient *http.Client, clientID int64, result *PerfResult, latencyChan chan<- time.Duration) {
	// Use independent context to avoid cancellation when test ends
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	body, _ := json.Marshal(addPointsRequest{
		ClientID: clientID,
		Points:   pointsPerAdd,
		Comment:  "load test accrual",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/points/add", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&result.TotalRequests, 1)
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	resp, err := httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	defer resp.Body.Close()

	var decoded addPointsResponse
	if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&decoded) == nil && decoded.Success {
		atomic.AddInt64(&result.SuccessCount, 1)
		atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
		select {
		case latencyChan <- latency:
		default:
		}
	} else {
		atomic.AddInt64(&result.ErrorCount, 1)
	}
}

// trackP95 maintains a best‑effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			// Replace random element (simple reservoir sampling)
			if idx := time.Now().UnixNano() % int64(size); idx < int64(size/10) {
				buf[idx] = lat.Nanoseconds()
			}
		}

		// Update P95 periodically
		if len(buf) >= 100 && len(buf)%100 == 0 {
			copyBuf := make([]int64, len(buf))
			copy(copyBuf, buf)
			quickSort(copyBuf)
			p95Index := int(float64(len(copyBuf)) * 0.95)
			if p95Index >= len(copyBuf) {
				p95Index = len(copyBuf) - 1
			}
			atomic.StoreInt64(&result.P95Latency, copyBuf[p95Index])
		}
	}
}

// quickSort sorts the array in ascending order
func quickSort(arr []int64) {
	if len(arr) < 2 {
		return
	}

	left, right := 0, len(arr)-1
	pivot := len(arr) / 2

	arr[pivot], arr[right] = arr[right], arr[pivot]

	for i := range arr {
		if arr[i] < arr[right] {
			arr[left], arr[i] = arr[i], arr[left]
			left++
		}
	}

	arr[left], arr[right] = arr[right], arr[left]

	quickSort(arr[:left])
	quickSort(arr[left+1:])
}

type loyaltyResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Account *struct {
			Balance int64 `json:"balance"`
		} `json:"account"`
	} `json:"data"`
}

// fetchBalance reads the client's current points balance, zero when the
// client has no account yet.
func fetchBalance(httpClient *http.Client, clientID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/clients/%d/loyalty", baseURL, clientID), nil)
	if err != nil {
		return 0, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get loyalty summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded loyaltyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("failed to decode loyalty summary: %w", err)
	}
	if decoded.Data.Account == nil {
		return 0, nil
	}
	return decoded.Data.Account.Balance, nil
}

// verifyLedgerConsistency checks the final balance against the number of
// successful accruals.
func verifyLedgerConsistency(httpClient *http.Client, clientID, startBalance, successCount int64) error {
	endBalance, err := fetchBalance(httpClient, clientID)
	if err != nil {
		return err
	}

	expected := startBalance + successCount*pointsPerAdd

	fmt.Printf("Client ID          : %d\n", clientID)
	fmt.Printf("Starting balance   : %d\n", startBalance)
	fmt.Printf("Final balance (DB) : %d\n", endBalance)
	fmt.Printf("Expected balance   : %d\n", expected)

	if endBalance != expected {
		return fmt.Errorf("balance mismatch: DB=%d, expected=%d, diff=%d",
			endBalance, expected, endBalance-expected)
	}

	return nil
}
