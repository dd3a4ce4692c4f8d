package routing

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"payment-relay/internal/health"
	"payment-relay/pkg/payments"
)

// ErrGatewaysUnavailable means the health snapshot gated both routes; no
// HTTP call was made.
var ErrGatewaysUnavailable = errors.New("no healthy payment processor")

// FallbackFailedError reports a dispatch where every attempted route
// failed. A nil side means that route was never attempted.
type FallbackFailedError struct {
	DefaultErr  error
	FallbackErr error
}

func (e *FallbackFailedError) Error() string {
	return fmt.Sprintf(
		"all attempted processors failed: default=%v fallback=%v",
		e.DefaultErr, e.FallbackErr,
	)
}

type UnexpectedStatusError struct {
	Route  string
	Status int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s processor returned status %d", e.Route, e.Status)
}

// Recorder persists a successful dispatch. Implementations are best
// effort; the router treats recording as fire-and-forget.
type Recorder interface {
	StoreSuccess(p *payments.Payment, route string, requestedAt time.Time)
}

// SuccessMode names the status set a processor response must land in.
type SuccessMode uint8

const (
	// SuccessStrict accepts 2xx plus 409, the processor's idempotent-retry
	// signal.
	SuccessStrict SuccessMode = iota
	// SuccessLenient accepts anything below 500.
	SuccessLenient
)

func ParseSuccessMode(s string) SuccessMode {
	if strings.EqualFold(s, "lenient") {
		return SuccessLenient
	}
	return SuccessStrict
}

type Config struct {
	DefaultURL  string
	FallbackURL string
	Timeout     time.Duration
	PoolSize    int
	PoolCount   int
	Mode        SuccessMode
	Debug       bool
}

// Router decides default vs. fallback per payload from the current health
// snapshot and issues the outbound POST with a hard deadline.
type Router struct {
	clients     []*fasthttp.Client
	next        atomic.Uint64
	cache       *health.Cache
	rec         Recorder
	defaultURL  string
	fallbackURL string
	timeout     time.Duration
	mode        SuccessMode
	logger      *zerolog.Logger
}

func NewRouter(
	cfg Config,
	cache *health.Cache,
	rec Recorder,
	logger *zerolog.Logger,
) *Router {
	count := cfg.PoolCount
	if count <= 0 {
		count = 1
	}
	clients := make([]*fasthttp.Client, count)
	for i := range clients {
		c := &fasthttp.Client{
			MaxConnsPerHost:    cfg.PoolSize,
			MaxConnWaitTimeout: cfg.Timeout,
			ReadTimeout:        cfg.Timeout,
			WriteTimeout:       cfg.Timeout,
		}
		if cfg.Debug {
			c.Dial = func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, 500*time.Millisecond)
			}
		}
		clients[i] = c
	}

	return &Router{
		clients:     clients,
		cache:       cache,
		rec:         rec,
		defaultURL:  strings.TrimSuffix(cfg.DefaultURL, "/") + "/payments",
		fallbackURL: strings.TrimSuffix(cfg.FallbackURL, "/") + "/payments",
		timeout:     cfg.Timeout,
		mode:        cfg.Mode,
		logger:      logger,
	}
}

// Dispatch tries the default route when healthy, falls over to a healthy
// fallback once, and reports ErrGatewaysUnavailable without any HTTP call
// when the snapshot gates both.
func (r *Router) Dispatch(p *payments.Payment) error {
	snap := r.cache.Snapshot()
	defaultHealthy := r.cache.IsHealthy(snap.Default)
	fallbackHealthy := r.cache.IsHealthy(snap.Fallback)

	if !defaultHealthy && !fallbackHealthy {
		return ErrGatewaysUnavailable
	}

	if defaultHealthy {
		defaultErr := r.attempt(payments.DefaultProcessor, r.defaultURL, p)
		if defaultErr == nil {
			return nil
		}
		if !fallbackHealthy {
			return &FallbackFailedError{DefaultErr: defaultErr}
		}
		r.logger.Debug().
			Err(defaultErr).
			Str("correlation_id", p.CorrelationID).
			Msg("default processor failed, trying fallback")
		fallbackErr := r.attempt(payments.FallbackProcessor, r.fallbackURL, p)
		if fallbackErr == nil {
			return nil
		}
		return &FallbackFailedError{DefaultErr: defaultErr, FallbackErr: fallbackErr}
	}

	fallbackErr := r.attempt(payments.FallbackProcessor, r.fallbackURL, p)
	if fallbackErr == nil {
		return nil
	}
	return &FallbackFailedError{FallbackErr: fallbackErr}
}

// attempt stamps a fresh requestedAt, posts the payload, and records the
// transaction exactly once, only after a success status.
func (r *Router) attempt(route, url string, p *payments.Payment) error {
	requestedAt := time.Now().UTC()
	body := payments.Stamp(p.Body, requestedAt)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := r.client().DoTimeout(req, resp, r.timeout); err != nil {
		return fmt.Errorf("%s processor request: %w", route, err)
	}

	status := resp.StatusCode()
	if !r.isSuccess(status) {
		return &UnexpectedStatusError{Route: route, Status: status}
	}

	r.rec.StoreSuccess(p, route, requestedAt)
	return nil
}

func (r *Router) isSuccess(status int) bool {
	switch r.mode {
	case SuccessLenient:
		return status >= 200 && status < 500
	default:
		return (status >= 200 && status < 300) || status == fasthttp.StatusConflict
	}
}

func (r *Router) client() *fasthttp.Client {
	return r.clients[r.next.Add(1)%uint64(len(r.clients))]
}
