// Package main provides a configurable flaky upstream for exercising the
// resilience stack by hand: arbitrary status codes, fail-N-times-then-succeed
// sequences, and slow responses.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__flaky?fail=N&key=K fails N times with 503 before succeeding.
	// Each key tracks its own counter; repeat the call to watch retries
	// and circuit breakers do their work.
	var flakyMu sync.Mutex
	flakyCounts := make(map[string]int)
	http.HandleFunc("/__flaky", func(w http.ResponseWriter, r *http.Request) {
		failures, _ := strconv.Atoi(r.URL.Query().Get("fail"))
		key := r.URL.Query().Get("key")

		flakyMu.Lock()
		flakyCounts[key]++
		attempt := flakyCounts[key]
		if attempt > failures {
			delete(flakyCounts, key)
		}
		flakyMu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if attempt <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"attempt": attempt,
				"message": "still failing",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": *name,
			"attempt": attempt,
			"message": "recovered",
		})
	})

	// /__slow?ms=N delays the response by N milliseconds (capped at 60s).
	http.HandleFunc("/__slow", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		if ms < 0 {
			ms = 0
		}
		if ms > 60000 {
			ms = 60000
		}

		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":  *name,
			"delay_ms": ms,
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
