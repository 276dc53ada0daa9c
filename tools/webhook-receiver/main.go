// Command webhook-receiver accepts watchrecord deliveries for local testing.
// With WEBHOOK_SECRET set it rejects deliveries whose X-Watch-Signature does
// not match. It counts deliveries per execution id so duplicate deliveries
// show up in /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	headerExecutionID = "X-Watch-Execution-ID"
	headerAttemptID   = "X-Watch-Attempt-ID"
	headerWatchName   = "X-Watch-Name"
	headerSignature   = "X-Watch-Signature"
	signaturePrefix   = "sha256="
)

type request struct {
	Timestamp   string `json:"timestamp"`
	WatchName   string `json:"watch_name"`
	ExecutionID string `json:"execution_id"`
	AttemptID   string `json:"attempt_id"`
	Verified    bool   `json:"verified"`
	Body        string `json:"body"`
}

type stats struct {
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected"`
	Duplicates   int64     `json:"duplicates"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

type receiver struct {
	secret    string
	maxStored int

	mu           sync.Mutex
	count        int64
	rejected     int64
	duplicates   int64
	seen         map[string]int
	lastRequests []request
	since        time.Time
}

func newReceiver(secret string) *receiver {
	r := &receiver{secret: secret, maxStored: 50}
	r.reset()
	return r
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	rcv := newReceiver(os.Getenv("WEBHOOK_SECRET"))

	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rcv.hook)
	mux.HandleFunc("/stats", rcv.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rcv.mu.Lock()
		rcv.reset()
		rcv.mu.Unlock()
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s (verify=%t)", addr, rcv.secret != "")
	log.Fatal(http.ListenAndServe(addr, mux))
}

// reset must be called with mu held, or before the receiver is shared.
func (rcv *receiver) reset() {
	rcv.count, rcv.rejected, rcv.duplicates = 0, 0, 0
	rcv.seen = make(map[string]int)
	rcv.lastRequests = nil
	rcv.since = time.Now().UTC()
}

func (rcv *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	verified := rcv.secret != "" && verify(rcv.secret, body, r.Header.Get(headerSignature))
	if rcv.secret != "" && !verified {
		rcv.mu.Lock()
		rcv.rejected++
		rcv.mu.Unlock()
		log.Printf("hook rejected: bad signature for execution %s", r.Header.Get(headerExecutionID))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	req := request{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		WatchName:   r.Header.Get(headerWatchName),
		ExecutionID: r.Header.Get(headerExecutionID),
		AttemptID:   r.Header.Get(headerAttemptID),
		Verified:    verified,
		Body:        string(body),
	}

	rcv.mu.Lock()
	rcv.count++
	rcv.seen[req.ExecutionID]++
	if rcv.seen[req.ExecutionID] > 1 {
		rcv.duplicates++
	}
	rcv.lastRequests = append(rcv.lastRequests, req)
	if len(rcv.lastRequests) > rcv.maxStored {
		rcv.lastRequests = rcv.lastRequests[len(rcv.lastRequests)-rcv.maxStored:]
	}
	current := rcv.count
	rcv.mu.Unlock()

	log.Printf("hook received #%d: watch=%s execution=%s", current, req.WatchName, req.ExecutionID)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rcv *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rcv.mu.Lock()
	s := stats{
		Count:        rcv.count,
		Rejected:     rcv.rejected,
		Duplicates:   rcv.duplicates,
		LastRequests: rcv.lastRequests,
		Since:        rcv.since.Format(time.RFC3339),
	}
	rcv.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

// verify checks a "sha256=<hex hmac>" header against body.
func verify(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(sig))
}
