package server

import (
	"bytes"
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"

	"payment-relay/internal/buffer"
	"payment-relay/internal/health"
	"payment-relay/pkg/payments"
)

var json = jsoniter.ConfigFastest

// Submitted bodies above this size are refused before parsing.
const maxPaymentBody = 8 << 10

var (
	http204NoContent = []byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")
	http400Invalid   = []byte("HTTP/1.1 400 Bad Request\r\nContent-Type: application/json\r\nContent-Length: 27\r\n\r\n{\"error\":\"invalid_request\"}")
	http404NotFound  = []byte("HTTP/1.1 404 Not Found\r\nContent-Type: application/json\r\nContent-Length: 21\r\n\r\n{\"error\":\"not_found\"}")
	http413TooLarge  = []byte("HTTP/1.1 413 Content Too Large\r\nContent-Length: 0\r\n\r\n")
	http500Error     = []byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n")
	http503QueueFull = []byte("HTTP/1.1 503 Service Unavailable\r\nContent-Type: application/json\r\nContent-Length: 22\r\n\r\n{\"error\":\"queue_full\"}")

	methodGet  = []byte("GET")
	methodPost = []byte("POST")

	pathPayments = []byte("/payments")
	pathSummary  = []byte("/payments-summary")
	pathHealth   = []byte("/health")
	pathPurge    = []byte("/purge-payments")
)

// Summarizer is the read side of the transaction store.
type Summarizer interface {
	Summary(ctx context.Context, from, to time.Time) (payments.PaymentsSummary, error)
	Purge(ctx context.Context) error
}

// Server is the HTTP front end: a gnet event loop with hand-rolled
// HTTP/1.1 framing and prebuilt responses. Handlers stay thin; everything
// interesting happens behind the buffer, cache, and store.
type Server struct {
	gnet.BuiltinEventEngine
	queue  *buffer.Queue
	cache  *health.Cache
	store  Summarizer
	logger *zerolog.Logger
	port   string
}

func New(
	port string,
	queue *buffer.Queue,
	cache *health.Cache,
	store Summarizer,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		queue:  queue,
		cache:  cache,
		store:  store,
		logger: logger,
		port:   port,
	}
}

func (s *Server) Run() error {
	return gnet.Run(s, "tcp://:"+s.port,
		gnet.WithMulticore(true),
		gnet.WithReusePort(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLockOSThread(true),
	)
}

func (s *Server) OnBoot(eng gnet.Engine) (action gnet.Action) {
	s.logger.Info().Msgf("HTTP server started on port %s", s.port)
	return
}

func (s *Server) OnTraffic(c gnet.Conn) (action gnet.Action) {
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}

	resp := s.handle(buf)
	if resp == nil {
		return gnet.Close
	}
	c.Write(resp)
	return gnet.None
}

// handle maps one raw HTTP/1.1 request to a response. A nil return tells
// the event loop to drop the connection.
func (s *Server) handle(buf []byte) []byte {
	requestLineEnd := bytes.Index(buf, []byte("\r\n"))
	if requestLineEnd == -1 {
		return nil
	}
	requestLineParts := bytes.Split(buf[:requestLineEnd], []byte(" "))
	if len(requestLineParts) != 3 {
		return nil
	}
	method := requestLineParts[0]
	path, query, _ := bytes.Cut(requestLineParts[1], []byte("?"))

	switch {
	case bytes.Equal(path, pathPayments) && bytes.Equal(method, methodPost):
		return s.handlePayment(buf)
	case bytes.Equal(path, pathSummary) && bytes.Equal(method, methodGet):
		return s.handleSummary(query)
	case bytes.Equal(path, pathHealth) && bytes.Equal(method, methodGet):
		return s.handleHealth()
	case bytes.Equal(path, pathPurge) && bytes.Equal(method, methodPost):
		return s.handlePurge()
	default:
		return http404NotFound
	}
}

// handlePayment admits the raw body into the buffer. The payload is never
// validated here; the client gets its answer from admission alone.
func (s *Server) handlePayment(buf []byte) []byte {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx == -1 {
		return nil
	}
	body := buf[idx+4:]
	if len(body) > maxPaymentBody {
		return http413TooLarge
	}

	if err := s.queue.Enqueue(payments.Parse(body)); err != nil {
		return http503QueueFull
	}
	return http204NoContent
}

func (s *Server) handleSummary(query []byte) []byte {
	from, to, ok := parseWindow(query)
	if !ok {
		return http400Invalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	summary, err := s.store.Summary(ctx, from, to)
	if err != nil {
		// The load balancer keeps calling during store outages; serve the
		// static zero summary rather than an error.
		s.logger.Error().Err(err).Msg("summary unavailable, serving fallback")
		summary = payments.PaymentsSummary{}
	}
	respBody, err := json.Marshal(summary)
	if err != nil {
		return http500Error
	}
	return respondJSON(respBody)
}

type queueStats struct {
	QueueSize int64 `json:"queue_size"`
	InFlight  int64 `json:"in_flight"`
}

type healthStatus struct {
	Status     string          `json:"status"`
	Queue      queueStats      `json:"queue"`
	Processors health.Snapshot `json:"processors"`
}

func (s *Server) handleHealth() []byte {
	status := healthStatus{
		Status: "ok",
		Queue: queueStats{
			QueueSize: s.queue.Size(),
			InFlight:  s.queue.InFlight(),
		},
		Processors: s.cache.Snapshot(),
	}
	respBody, err := json.Marshal(status)
	if err != nil {
		return http500Error
	}
	return respondJSON(respBody)
}

func (s *Server) handlePurge() []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.store.Purge(ctx); err != nil {
		s.logger.Error().Err(err).Msg("purge failed")
		return http500Error
	}
	return http204NoContent
}

func parseWindow(query []byte) (time.Time, time.Time, bool) {
	var fromRaw, toRaw []byte
	for len(query) > 0 {
		var param []byte
		param, query, _ = bytes.Cut(query, []byte("&"))
		key, val, _ := bytes.Cut(param, []byte("="))
		switch string(key) {
		case "from":
			fromRaw = val
		case "to":
			toRaw = val
		}
	}

	from, err := time.Parse(time.RFC3339Nano, string(fromRaw))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(time.RFC3339Nano, string(toRaw))
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func respondJSON(body []byte) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(body),
		body,
	))
}
