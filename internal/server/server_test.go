package server

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-relay/internal/buffer"
	"payment-relay/internal/health"
	"payment-relay/pkg/payments"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

type stubStore struct {
	summary payments.PaymentsSummary
	err     error
	from    time.Time
	to      time.Time
	purged  bool
}

func (s *stubStore) Summary(
	ctx context.Context,
	from, to time.Time,
) (payments.PaymentsSummary, error) {
	s.from, s.to = from, to
	return s.summary, s.err
}

func (s *stubStore) Purge(ctx context.Context) error {
	s.purged = true
	return nil
}

func newTestServer(maxQueue int64, store *stubStore) (*Server, *buffer.Queue) {
	q := buffer.New(maxQueue)
	return New("9999", q, health.NewCache(30), store, &testLogger), q
}

func request(method, target, body string) []byte {
	return []byte(method + " " + target + " HTTP/1.1\r\nHost: test\r\n\r\n" + body)
}

func TestPaymentAccepted(t *testing.T) {
	s, q := newTestServer(0, &stubStore{})

	resp := s.handle(request("POST", "/payments", `{"correlationId":"abc","amount":1.5}`))

	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 204 "))
	assert.Equal(t, int64(1), q.Size())

	p, _, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "abc", p.CorrelationID)
}

func TestPaymentQueueFull(t *testing.T) {
	s, q := newTestServer(1, &stubStore{})
	require.NoError(t, q.Enqueue(&payments.Payment{Body: []byte(`{}`)}))

	resp := string(s.handle(request("POST", "/payments", `{}`)))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 "))
	assert.Contains(t, resp, `{"error":"queue_full"}`)
}

func TestPaymentBodyTooLarge(t *testing.T) {
	s, _ := newTestServer(0, &stubStore{})

	huge := strings.Repeat("a", maxPaymentBody+1)
	resp := string(s.handle(request("POST", "/payments", huge)))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 413 "))
}

func TestPaymentNeverValidatesBody(t *testing.T) {
	s, q := newTestServer(0, &stubStore{})

	resp := s.handle(request("POST", "/payments", `this is not json`))

	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 204 "))
	assert.Equal(t, int64(1), q.Size())
}

func TestSummaryReturnsStoreData(t *testing.T) {
	store := &stubStore{
		summary: payments.PaymentsSummary{
			Default:  payments.SummaryData{Count: 2, Total: 20},
			Fallback: payments.SummaryData{Count: 0, Total: 0},
		},
	}
	s, _ := newTestServer(0, store)

	resp := string(s.handle(request(
		"GET",
		"/payments-summary?from=2024-01-01T09:00:00Z&to=2024-01-01T10:30:00Z",
		"",
	)))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 "))
	assert.Contains(t, resp, `"totalRequests":2`)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), store.from.UTC())
	assert.Equal(t, time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), store.to.UTC())
}

func TestSummaryRejectsMissingParams(t *testing.T) {
	s, _ := newTestServer(0, &stubStore{})

	for _, target := range []string{
		"/payments-summary",
		"/payments-summary?from=2024-01-01T09:00:00Z",
		"/payments-summary?to=2024-01-01T09:00:00Z",
		"/payments-summary?from=yesterday&to=today",
	} {
		resp := string(s.handle(request("GET", target, "")))
		assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 400 "), "target %s", target)
		assert.Contains(t, resp, `{"error":"invalid_request"}`)
	}
}

func TestSummaryServesFallbackWhenStoreDown(t *testing.T) {
	s, _ := newTestServer(0, &stubStore{err: context.DeadlineExceeded})

	resp := string(s.handle(request(
		"GET",
		"/payments-summary?from=2024-01-01T09:00:00Z&to=2024-01-01T10:30:00Z",
		"",
	)))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 "))
	assert.Contains(t, resp, `"default":{"totalRequests":0,"totalAmount":0}`)
	assert.Contains(t, resp, `"fallback":{"totalRequests":0,"totalAmount":0}`)
}

func TestHealthReportsCountersAndSnapshot(t *testing.T) {
	s, q := newTestServer(0, &stubStore{})
	require.NoError(t, q.Enqueue(&payments.Payment{Body: []byte(`{}`)}))
	q.WorkerStarted()

	resp := string(s.handle(request("GET", "/health", "")))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 "))
	assert.Contains(t, resp, `"status":"ok"`)
	assert.Contains(t, resp, `"queue_size":1`)
	assert.Contains(t, resp, `"in_flight":1`)
	assert.Contains(t, resp, `"default":`)
	assert.Contains(t, resp, `"fallback":`)
}

func TestPurge(t *testing.T) {
	store := &stubStore{}
	s, _ := newTestServer(0, store)

	resp := string(s.handle(request("POST", "/purge-payments", "")))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 204 "))
	assert.True(t, store.purged)
}

func TestUnknownRouteIs404(t *testing.T) {
	s, _ := newTestServer(0, &stubStore{})

	for _, req := range [][]byte{
		request("GET", "/nope", ""),
		request("GET", "/payments", ""),
		request("DELETE", "/payments-summary", ""),
	} {
		resp := string(s.handle(req))
		assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 "))
		assert.Contains(t, resp, `{"error":"not_found"}`)
	}
}

func TestGarbageRequestClosesConnection(t *testing.T) {
	s, _ := newTestServer(0, &stubStore{})

	assert.Nil(t, s.handle([]byte("complete nonsense")))
	assert.Nil(t, s.handle([]byte("GET /\r\n\r\n")))
}
