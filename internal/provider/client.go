package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/jaennil/guide_helper/features/pkg/logger"
	"github.com/jaennil/guide_helper/features/pkg/metrics"
	"github.com/jaennil/guide_helper/features/pkg/telemetry"
	"github.com/paulmach/orb/geojson"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// bodies above this are rejected rather than buffered
const maxBodySize = 64 << 20

type Options struct {
	Timeout          time.Duration
	UserAgent        string
	RatePerHost      float64
	Burst            int
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// Client fetches tiles from remote services. Requests are rate limited and
// circuit broken per host, since every layer of one agency shares a server.
type Client struct {
	http     *http.Client
	opts     Options
	limiters *xsync.Map[string, *rate.Limiter]
	breakers *xsync.Map[string, *gobreaker.CircuitBreaker[[]byte]]
	logger   logger.Logger
}

func NewClient(opts Options, l logger.Logger) *Client {
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 4
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}

	return &Client{
		http:     &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: xsync.NewMap[string, *rate.Limiter](),
		breakers: xsync.NewMap[string, *gobreaker.CircuitBreaker[[]byte]](),
		logger:   l,
	}
}

// Fetch performs one GET for tile against ep and decodes the result.
func (c *Client) Fetch(ctx context.Context, ep Endpoint, tile grid.Tile) (features []*geojson.Feature, err error) {
	host := ep.Host()

	ctx, span := telemetry.StartSpan(ctx, "provider.Fetch",
		attribute.String("provider.host", host),
		attribute.String("provider.kind", string(ep.Kind)),
		attribute.String("tile", tile.String()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	requestURL := ep.RequestURL(tile)

	body, err := c.breaker(host).Execute(func() ([]byte, error) {
		return c.get(ctx, host, requestURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.UpstreamRequests.WithLabelValues(host, "rejected").Inc()
		}
		c.logger.Warn("upstream fetch failed", "host", host, "tile", tile.String(), "error", err)
		return nil, fmt.Errorf("fetch %s: %w", host, err)
	}

	features, err = Decode(body, ep.idRules())
	if err != nil {
		c.logger.Warn("upstream response undecodable", "host", host, "tile", tile.String(), "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("features", len(features)))
	c.logger.Debug("upstream fetch", "host", host, "tile", tile.String(), "features", len(features))

	return features, nil
}

func (c *Client) get(ctx context.Context, host, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(host, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	metrics.UpstreamRequests.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Host: host, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrProviderResponse, maxBodySize)
	}

	return body, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	if l, ok := c.limiters.Load(host); ok {
		return l
	}
	l, _ := c.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(c.opts.RatePerHost), c.opts.Burst))
	return l
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	if b, ok := c.breakers.Load(host); ok {
		return b
	}

	b, _ := c.breakers.LoadOrStore(host, gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    host,
		Timeout: c.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpstreamBreakerState.WithLabelValues(name).Set(float64(to))
			c.logger.Warn("upstream circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
	}))
	return b
}

// BreakerStates reports the breaker state of every host contacted so far.
func (c *Client) BreakerStates() map[string]string {
	states := make(map[string]string)
	c.breakers.Range(func(host string, b *gobreaker.CircuitBreaker[[]byte]) bool {
		states[host] = b.State().String()
		return true
	})
	return states
}
