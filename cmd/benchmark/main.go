// Benchmark tool for replaying labelled transactions against Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/labelled.csv -url http://localhost:8080
//   go run cmd/benchmark/main.go -csv /path/to/labelled.csv -local
//
// The CSV needs the columns amount, time, location, device and is_fraud.
// This tool:
//   1. Reads the labelled transactions
//   2. Scores each one via POST /predict, or in-process with -local
//   3. Compares the is_fraud verdict with the label
//   4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// LabelledTransaction is one CSV row.
type LabelledTransaction struct {
	Line    int
	Request domain.ScoreRequest
	IsFraud bool
}

// Scorer returns the verdict for one request.
type Scorer interface {
	Score(ctx context.Context, req domain.ScoreRequest) (*domain.Verdict, error)
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeUs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	local := flag.Bool("local", false, "Score in-process with the baseline model instead of over HTTP")
	strict := flag.Bool("strict", false, "With -local, override categories unseen in the baseline")
	limit := flag.Int("limit", 0, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labelled.csv [-url http://localhost:8080 | -local]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Labelled Replay                  ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	if *local {
		fmt.Printf("Mode:        in-process (strict=%v)\n", *strict)
	} else {
		fmt.Printf("Kestrel URL: %s\n", *baseURL)
	}
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	var scorer Scorer
	if *local {
		s, err := newLocalScorer(*strict)
		if err != nil {
			fmt.Printf("ERROR: Failed to build model: %v\n", err)
			os.Exit(1)
		}
		scorer = s
		fmt.Println("✓ Baseline model built")
	} else {
		if err := checkHealth(*baseURL); err != nil {
			fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
			fmt.Println("\nMake sure Kestrel is running:")
			fmt.Println("  go run ./cmd/kestrel")
			os.Exit(1)
		}
		fmt.Println("✓ Kestrel is healthy")
		scorer = &httpScorer{
			client:  &http.Client{Timeout: 10 * time.Second},
			baseURL: *baseURL,
		}
	}

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	transactions, err := readLabelledCSV(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("ERROR: CSV contains no transactions")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(transactions))

	// Count fraud vs non-fraud
	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(context.Background(), scorer, transactions, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

var requiredColumns = []string{"amount", "time", "location", "device", "is_fraud"}

// readLabelledCSV reads up to limit rows (0 = all). Fields are passed through
// unparsed so the scorer sees exactly what the file contains.
func readLabelledCSV(r io.Reader, limit int) ([]LabelledTransaction, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []LabelledTransaction
	line := 1

	for {
		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, _ := json.Marshal(record[colIndex["amount"]])
		ts := record[colIndex["time"]]
		location := record[colIndex["location"]]
		device := record[colIndex["device"]]

		label := strings.ToLower(strings.TrimSpace(record[colIndex["is_fraud"]]))

		transactions = append(transactions, LabelledTransaction{
			Line: line,
			Request: domain.ScoreRequest{
				Amount:   amount,
				Time:     &ts,
				Location: &location,
				Device:   &device,
			},
			IsFraud: label == "1" || label == "true",
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// Record adds one scored transaction to the confusion matrix.
func (m *Metrics) Record(predicted, actual bool) {
	atomic.AddInt64(&m.TotalProcessed, 1)

	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is TP / (TP + FP).
func (m *Metrics) Precision() float64 {
	if m.TruePositives+m.FalsePositives == 0 {
		return 0
	}
	return float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN).
func (m *Metrics) Recall() float64 {
	if m.TruePositives+m.FalseNegatives == 0 {
		return 0
	}
	return float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * (p * r) / (p + r)
}

// Accuracy is the share of correct predictions.
func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total == 0 {
		return 0
	}
	return float64(m.TruePositives+m.TrueNegatives) / float64(total)
}

func runBenchmark(ctx context.Context, scorer Scorer, transactions []LabelledTransaction, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	// Create work channel
	work := make(chan LabelledTransaction, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for tx := range work {
				start := time.Now()
				verdict, err := scorer.Score(ctx, tx.Request)
				atomic.AddInt64(&metrics.ProcessingTimeUs, time.Since(start).Microseconds())

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: line %d -> %v\n", tx.Line, err)
					}
					continue
				}

				metrics.Record(verdict.IsFraud, tx.IsFraud)

				if verbose {
					status := "✓"
					if verdict.IsFraud != tx.IsFraud {
						status = "✗"
					}
					fmt.Printf("%s line %-6d | Amount: %10s | %-12s | %-6s | Fraud: %-5v | Kestrel: %-5v (%.4f)\n",
						status,
						tx.Line,
						string(tx.Request.Amount),
						*tx.Request.Location,
						*tx.Request.Device,
						tx.IsFraud,
						verdict.IsFraud,
						verdict.AnomalyScore,
					)
				}
			}
		}()
	}

	// Send work
	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

// httpScorer scores over POST /predict.
type httpScorer struct {
	client  *http.Client
	baseURL string
}

func (s *httpScorer) Score(ctx context.Context, req domain.ScoreRequest) (*domain.Verdict, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
	}

	var verdict domain.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, err
	}

	return &verdict, nil
}

// localScorer scores with an in-process pipeline over the baseline model.
type localScorer struct {
	pipeline *scoring.Pipeline
}

func newLocalScorer(strict bool) (*localScorer, error) {
	schema, err := baseline.Schema()
	if err != nil {
		return nil, err
	}
	m, err := model.Build(domain.DefaultConfig().Model, baseline.Corpus(), schema)
	if err != nil {
		return nil, err
	}
	overlay, err := rules.NewOverlay(rules.DefaultRules(strict))
	if err != nil {
		return nil, err
	}
	pipeline, err := scoring.NewPipeline(m, overlay)
	if err != nil {
		return nil, err
	}
	return &localScorer{pipeline: pipeline}, nil
}

func (s *localScorer) Score(ctx context.Context, req domain.ScoreRequest) (*domain.Verdict, error) {
	decision, err := s.pipeline.Score(ctx, req)
	if err != nil {
		return nil, err
	}
	return &decision.Verdict, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       OK")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := m.Precision()
	recall := m.Recall()

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", m.Accuracy())

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalNonFraud > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalNonFraud) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalNonFraud, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	attempted := m.TotalProcessed + m.TotalErrors
	if attempted > 0 {
		avgMs := float64(m.ProcessingTimeUs) / 1000 / float64(attempted)
		tps := float64(attempted) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.3f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
