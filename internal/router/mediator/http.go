// Package mediator dispatches a message to its HTTP target and interprets
// the target's verdict into a DispatchResult, behind a circuit breaker.
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/circuitbreaker"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

const (
	httpTimeout       = 30 * time.Second
	dispatchDeadline  = 120 * time.Second
	defaultRetryAfter = 60
	circuitOpenDelay  = 30
	serverErrorDelay  = 10
)

// HTTPVersion selects the HTTP protocol version used for downstream calls.
type HTTPVersion string

const (
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// Config configures an HTTPMediator.
type Config struct {
	HTTPVersion    HTTPVersion
	CircuitBreaker circuitbreaker.Config
}

// DefaultConfig returns production defaults: HTTP/2, default breaker tuning.
func DefaultConfig() Config {
	return Config{
		HTTPVersion:    HTTPVersion2,
		CircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// HTTPMediator is a per-pool mediator: one circuit breaker instance guards
// every call this mediator makes, matching the "mediator owns the breaker
// for a given pool" framing.
type HTTPMediator struct {
	poolCode string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

// New constructs a mediator for one pool.
func New(poolCode string, cfg Config) *HTTPMediator {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
	} else {
		transport.ForceAttemptHTTP2 = true
	}

	return &HTTPMediator{
		poolCode: poolCode,
		client:   &http.Client{Timeout: httpTimeout, Transport: transport},
		breaker:  circuitbreaker.New(cfg.CircuitBreaker),
	}
}

// PoolCode returns the pool this mediator serves.
func (m *HTTPMediator) PoolCode() string {
	return m.poolCode
}

// BreakerState returns the current circuit breaker state, for health
// reporting.
func (m *HTTPMediator) BreakerState() circuitbreaker.State {
	return m.breaker.State()
}

// Close fails fast on idle connections so shutdown doesn't wait out the
// transport's keep-alive timers.
func (m *HTTPMediator) Close(ctx context.Context) error {
	m.client.CloseIdleConnections()
	return nil
}

// Dispatch sends one message to its target, applying the 120s overall
// deadline and the breaker's short-circuit check. One attempt only: every
// outcome short of success or a terminal client error is retried via the
// broker, not in-process (§7 "Principle").
func (m *HTTPMediator) Dispatch(ctx context.Context, msg *pool.MessagePointer) model.DispatchResult {
	ctx, cancel := context.WithTimeout(ctx, dispatchDeadline)
	defer cancel()

	if msg.MediationTarget == "" {
		return model.DispatchResult{Outcome: model.OutcomeNackClientError}
	}

	if !m.breaker.Allow() {
		metrics.MediatorCircuitBreakerState.WithLabelValues(m.poolCode).Set(float64(metrics.CircuitBreakerOpen))
		return model.DispatchResult{Outcome: model.OutcomeCircuitOpen, Delay: circuitOpenDelay}
	}

	result := m.execute(ctx, msg)

	switch result.Outcome {
	case model.OutcomeSuccess:
		m.breaker.RecordSuccess()
	case model.OutcomeNackRetry:
		m.breaker.RecordFailure()
	case model.OutcomeNackClientError:
		// A 4xx is the target's own verdict on the payload, not evidence the
		// target itself is failing, so it counts as a breaker sample but not
		// a failure one.
		m.breaker.RecordSuccess()
	}

	if m.breaker.State() == circuitbreaker.Open {
		metrics.MediatorCircuitBreakerState.WithLabelValues(m.poolCode).Set(float64(metrics.CircuitBreakerOpen))
		metrics.MediatorCircuitBreakerTrips.WithLabelValues(m.poolCode).Inc()
	} else {
		metrics.MediatorCircuitBreakerState.WithLabelValues(m.poolCode).Set(float64(metrics.CircuitBreakerClosed))
	}

	return result
}

func (m *HTTPMediator) execute(ctx context.Context, msg *pool.MessagePointer) model.DispatchResult {
	payload, err := json.Marshal(struct {
		MessageID string `json:"messageId"`
	}{MessageID: msg.ID})
	if err != nil {
		return model.DispatchResult{Outcome: model.OutcomeNackClientError}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, bytes.NewReader(payload))
	if err != nil {
		return model.DispatchResult{Outcome: model.OutcomeNackClientError}
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		slog.Warn("mediator request failed", "messageId", msg.ID, "target", msg.MediationTarget, "error", err)
		return model.DispatchResult{Outcome: model.OutcomeNackRetry, Delay: serverErrorDelay}
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return interpretResponse(resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

func interpretResponse(statusCode int, retryAfterHeader string, body []byte) model.DispatchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		var resp model.MediationResponse
		resp.Ack = true
		if len(body) > 0 {
			_ = json.Unmarshal(body, &resp)
		}
		if !resp.Ack {
			return model.DispatchResult{Outcome: model.OutcomeNackRetry, Delay: resp.GetEffectiveDelaySeconds()}
		}
		return model.DispatchResult{Outcome: model.OutcomeSuccess}

	case statusCode == http.StatusTooManyRequests:
		delay := defaultRetryAfter
		if retryAfterHeader != "" {
			if seconds, err := strconv.Atoi(retryAfterHeader); err == nil && seconds > 0 {
				delay = seconds
			}
		}
		return model.DispatchResult{Outcome: model.OutcomeNackRetry, Delay: delay}

	case statusCode >= 400 && statusCode < 500:
		return model.DispatchResult{Outcome: model.OutcomeNackClientError}

	default: // 5xx, and any other non-2xx/non-4xx status
		return model.DispatchResult{Outcome: model.OutcomeNackRetry, Delay: serverErrorDelay}
	}
}
