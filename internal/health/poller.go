package health

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"payment-relay/pkg/payments"
)

var json = jsoniter.ConfigFastest

// Poller refreshes the health cache on a fixed interval, checking both
// routes concurrently with a short per-request deadline.
type Poller struct {
	cache       *Cache
	client      *fasthttp.Client
	defaultURL  string
	fallbackURL string
	interval    time.Duration
	timeout     time.Duration
	logger      *zerolog.Logger
}

func NewPoller(
	cache *Cache,
	defaultURL, fallbackURL string,
	interval, timeout time.Duration,
	logger *zerolog.Logger,
) *Poller {
	return &Poller{
		cache:       cache,
		client:      &fasthttp.Client{},
		defaultURL:  defaultURL,
		fallbackURL: fallbackURL,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
	}
}

func (p *Poller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

// Poll checks both routes and installs a whole new snapshot.
func (p *Poller) Poll(ctx context.Context) {
	prev := p.cache.Snapshot()
	var next Snapshot

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		next.Default = p.check(payments.DefaultProcessor, p.defaultURL, prev.Default)
		return nil
	})
	g.Go(func() error {
		next.Fallback = p.check(payments.FallbackProcessor, p.fallbackURL, prev.Fallback)
		return nil
	})
	g.Wait()

	p.cache.Replace(next)
}

func (p *Poller) check(route, url string, prev Record) Record {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := p.client.DoTimeout(req, resp, p.timeout); err != nil {
		p.logger.Warn().Err(err).Str("route", route).Msg("health poll failed")
		return errorRecord(prev)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
		var hp payments.ServiceHealthPayload
		if err := json.Unmarshal(resp.Body(), &hp); err != nil {
			p.logger.Warn().Err(err).Str("route", route).Msg("health payload undecodable")
			return errorRecord(prev)
		}
		return Record{
			Failing:         hp.Failing,
			MinResponseTime: int64(hp.MinResponseTime),
			CheckedAt:       time.Now(),
			Source:          SourceOK,
		}
	case fasthttp.StatusTooManyRequests:
		p.logger.Warn().Str("route", route).Msg("health poll rate limited")
		return errorRecord(prev)
	default:
		p.logger.Warn().
			Int("status", resp.StatusCode()).
			Str("route", route).
			Msg("health poll unexpected status")
		return errorRecord(prev)
	}
}

// errorRecord keeps the previous checked_at so a flapping poller does not
// fake freshness.
func errorRecord(prev Record) Record {
	checkedAt := prev.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	return Record{
		Failing:         true,
		MinResponseTime: LatencyUnknown,
		CheckedAt:       checkedAt,
		Source:          SourceError,
	}
}
