// Command loadgen drives a LogBuffer with a pool of concurrent
// appenders and reports append-latency percentiles, at a scale a
// plain go test isn't meant to carry.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	benchlib "github.com/benmathews/bench"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"

	logbuffers "github.com/little-pan/logbuffers"
)

func main() {
	basePath := flag.String("dir", "", "LogBuffer base path (defaults to a temp dir)")
	payloadSize := flag.Int("size", 256, "payload size in bytes")
	rate := flag.Uint64("rate", 5000, "target appends per second")
	duration := flag.Duration("duration", 10*time.Second, "how long to run the load")
	concurrency := flag.Int("concurrency", 50, "number of concurrent appenders")
	histOut := flag.String("hist-out", "", "optional path to write an HdrHistogram distribution file")
	flag.Parse()

	dir := *basePath
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "logbuffers-loadgen-*")
		if err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(dir)
	}

	lb, err := logbuffers.Open(dir)
	if err != nil {
		log.Fatalf("opening buffer: %v", err)
	}
	defer lb.Close()

	payload := make([]byte, *payloadSize)

	requesters := make([]benchlib.Requester, *concurrency)
	for i := range requesters {
		requesters[i] = &appendRequester{lb: lb, payload: payload}
	}

	b := benchlib.NewRateLimitedBenchmark(requesters, *rate, *duration)
	summary := b.Run()

	fmt.Printf("appends=%d errors=%d duration=%s\n", summary.Successes, summary.Failures, *duration)

	hist := hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)
	for _, lat := range summary.Latencies {
		_ = hist.RecordValue(lat.Microseconds())
	}
	fmt.Printf("p50=%dus p90=%dus p99=%dus max=%dus\n",
		hist.ValueAtQuantile(50), hist.ValueAtQuantile(90), hist.ValueAtQuantile(99), hist.Max())

	if *histOut != "" {
		percentiles := []float64{50, 75, 90, 95, 99, 99.9, 99.99, 100}
		if err := hdrwriter.WriteDistributionFile(hist, percentiles, 1, *histOut); err != nil {
			log.Printf("writing histogram file: %v", err)
		}
	}
}

// appendRequester adapts a LogBuffer append into benchlib's Requester
// contract: one append per Request call, timed by the harness.
type appendRequester struct {
	lb      *logbuffers.LogBuffer
	payload []byte
}

func (r *appendRequester) Setup() error { return nil }

func (r *appendRequester) Request() (bool, error) {
	_, err := r.lb.Write(r.payload)
	return err == nil, err
}

func (r *appendRequester) Teardown() error { return nil }
