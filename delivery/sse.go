package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	ivxp "github.com/franksprotocols/ivxp-protocol-sub001"
)

// SSEExhaustedError is raised once the subscriber's connection-attempt
// budget is spent without a usable stream.
type SSEExhaustedError struct {
	OrderID string
	Attempts int
}

func (e *SSEExhaustedError) Error() string {
	return fmt.Sprintf("sse subscription to order %s exhausted after %d attempts", e.OrderID, e.Attempts)
}

// SSEHandlers are the four optional callbacks a subscriber may supply.
// Unknown event types are logged and ignored.
type SSEHandlers struct {
	OnStatusUpdate func(json.RawMessage)
	OnProgress     func(json.RawMessage)
	OnCompleted    func(json.RawMessage)
	OnFailed       func(json.RawMessage)
}

// SSESubscriber connects to a provider's text/event-stream endpoint with
// a bounded reconnect budget and exponential backoff between attempts.
type SSESubscriber struct {
	httpClient  *http.Client
	maxRetries  int // total connection attempts, including the initial connect
	retryBaseMs time.Duration
	rand        *rand.Rand
}

// NewSSESubscriber returns a subscriber with a default budget of 3 total
// connection attempts (initial connect plus reconnects), each counted
// whether it fails outright or disconnects mid-stream.
func NewSSESubscriber(httpClient *http.Client) *SSESubscriber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: ivxp.DefaultSSEConnectTimeout}
	}
	return &SSESubscriber{
		httpClient:  httpClient,
		maxRetries:  3,
		retryBaseMs: time.Second,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe connects to streamURL and dispatches frames to handlers until
// ctx is canceled, a "completed"/"failed" frame is seen, or the retry
// budget is exhausted (returning *SSEExhaustedError). It returns an
// unsubscribe disposer that cleanly aborts the connection.
func (s *SSESubscriber) Subscribe(ctx context.Context, orderID, streamURL string, handlers SSEHandlers) (unsubscribe func(), done <-chan error) {
	subCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		for attempt := 0; attempt < s.maxRetries; attempt++ {
			if subCtx.Err() != nil {
				errCh <- subCtx.Err()
				return
			}
			terminal, err := s.connectOnce(subCtx, streamURL, handlers)
			if terminal {
				return
			}
			if err == nil {
				// Mid-stream disconnect with no error still consumes an attempt.
				err = fmt.Errorf("stream closed")
			}
			if attempt == s.maxRetries-1 {
				errCh <- &SSEExhaustedError{OrderID: orderID, Attempts: s.maxRetries}
				return
			}
			delay := backoffDelay(PollOptions{InitialDelay: s.retryBaseMs, MaxDelay: 30 * time.Second, Jitter: 0.2}, attempt, s.rand)
			select {
			case <-subCtx.Done():
				errCh <- subCtx.Err()
				return
			case <-time.After(delay):
			}
		}
	}()

	return cancel, errCh
}

// connectOnce performs a single HTTP GET + frame-decode pass. It returns
// terminal=true once a "completed" or "failed" frame has been delivered
// to handlers, ending the subscription successfully.
func (s *SSESubscriber) connectOnce(ctx context.Context, streamURL string, handlers SSEHandlers) (terminal bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if dispatchSSEFrame(eventType, json.RawMessage(data), handlers) {
				return true, nil
			}
		case line == "":
			eventType = ""
		}
	}
	return false, scanner.Err()
}

func dispatchSSEFrame(eventType string, data json.RawMessage, h SSEHandlers) (terminal bool) {
	switch eventType {
	case "status_update":
		if h.OnStatusUpdate != nil {
			h.OnStatusUpdate(data)
		}
	case "progress":
		if h.OnProgress != nil {
			h.OnProgress(data)
		}
	case "completed":
		if h.OnCompleted != nil {
			h.OnCompleted(data)
		}
		return true
	case "failed":
		if h.OnFailed != nil {
			h.OnFailed(data)
		}
		return true
	default:
		log.Printf("sse: ignoring unknown event type %q", eventType)
	}
	return false
}
