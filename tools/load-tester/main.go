package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	firstNames = []string{"Ada", "Grace", "Linus", "Ken", "Barbara", "Edsger", "Margaret", "Dennis"}
	lastNames  = []string{"Lovelace", "Hopper", "Torvalds", "Thompson", "Liskov", "Dijkstra", "Hamilton", "Ritchie"}
	titles     = []string{"CTO", "VP Engineering", "Head of Growth", "Founder", "Sales Director"}
)

// syntheticCSV builds an upload of rows leads. dupRate of them reuse an
// email seen earlier in the same file.
func syntheticCSV(rows int, dupRate float64) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"first_name", "last_name", "company", "title", "email", "linkedin"})
	var emails []string
	for i := 0; i < rows; i++ {
		first := firstNames[rand.IntN(len(firstNames))]
		last := lastNames[rand.IntN(len(lastNames))]
		company := fmt.Sprintf("Company %d", rand.IntN(500))
		email := fmt.Sprintf("%s.%s.%s@example.com", first, last, uuid.NewString()[:8])
		if len(emails) > 0 && rand.Float64() < dupRate {
			email = emails[rand.IntN(len(emails))]
		}
		emails = append(emails, email)
		w.Write([]string{first, last, company, titles[rand.IntN(len(titles))], email, ""})
	}
	w.Flush()
	return buf.Bytes()
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/v1/batches", "Target URL for batch uploads")
	apiKey := flag.String("api-key", "supersecretkey", "API Key for authentication")
	concurrency := flag.Int("c", 4, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Float64("rps", 5, "Uploads per second limit")
	rows := flag.Int("rows", 200, "Rows per uploaded batch")
	dupRate := flag.Float64("dup", 0.1, "Share of rows that repeat an earlier email")
	flag.Parse()

	log.Printf("Starting load test on %s", *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %.1f, Rows: %d", *concurrency, *duration, *rps, *rows)

	var wg sync.WaitGroup
	var successCount, errorCount, rowCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), *concurrency)

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				body := syntheticCSV(*rows, *dupRate)
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL+"?source=load-tester", bytes.NewReader(body))
				if err != nil {
					continue
				}
				req.Header.Set("Content-Type", "text/csv")
				req.Header.Set("X-API-Key", *apiKey)

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errorCount.Add(1)
					continue
				}
				if resp.StatusCode == http.StatusAccepted {
					successCount.Add(1)
					rowCount.Add(int64(*rows))
				} else {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}()
	}

	wg.Wait()

	total := successCount.Load() + errorCount.Load()
	log.Println("Load test finished.")
	log.Printf("Total Uploads: %d", total)
	log.Printf("Accepted (202): %d, rows %d", successCount.Load(), rowCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual uploads/s: %.2f", float64(total)/duration.Seconds())
}
