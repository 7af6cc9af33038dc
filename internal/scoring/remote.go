package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/observability"
)

// RemoteScorer calls an HTTP model server. Requests are rate limited on
// the client side so a long forecast cannot flood the server.
type RemoteScorer struct {
	client  *resty.Client
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRemoteScorer creates a client for the scoring service at baseURL. A
// non-positive rps disables rate limiting.
func NewRemoteScorer(baseURL string, timeout time.Duration, rps float64, metrics *observability.Metrics, logger *slog.Logger) *RemoteScorer {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(math.Ceil(rps)))
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")

	return &RemoteScorer{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		logger:  logger,
	}
}

type scoreRequest struct {
	CellID   string          `json:"cell_id"`
	Date     string          `json:"date"`
	Hour     int             `json:"hour"`
	Features domain.Features `json:"features"`
}

type scoreResponse struct {
	PredictedCount *float64 `json:"predicted_count"`
	Confidence     *float64 `json:"confidence"`
}

// Score posts the features to /score and returns the server's prediction.
func (s *RemoteScorer) Score(ctx context.Context, cellID string, date time.Time, hour int, f domain.Features) (float64, float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, 0, fmt.Errorf("scorer rate limit: %w", err)
	}

	start := time.Now()
	var out scoreResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{CellID: cellID, Date: domain.DateKey(date), Hour: hour, Features: f}).
		SetResult(&out).
		Post("/score")
	s.metrics.ScorerDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.ScorerRequests.WithLabelValues("error").Inc()
		return 0, 0, fmt.Errorf("score request: %w", err)
	}
	if resp.IsError() {
		s.metrics.ScorerRequests.WithLabelValues("error").Inc()
		return 0, 0, fmt.Errorf("scoring service error: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.PredictedCount == nil || out.Confidence == nil {
		s.metrics.ScorerRequests.WithLabelValues("rejected").Inc()
		return 0, 0, fmt.Errorf("scoring service response missing predicted_count or confidence")
	}
	pred, conf := *out.PredictedCount, *out.Confidence
	if math.IsNaN(pred) || pred < 0 || math.IsNaN(conf) || conf < 0 || conf > 1 {
		s.metrics.ScorerRequests.WithLabelValues("rejected").Inc()
		return 0, 0, fmt.Errorf("scoring service returned invalid prediction %v with confidence %v", pred, conf)
	}

	s.metrics.ScorerRequests.WithLabelValues("success").Inc()
	s.logger.Debug("remote score", "cell_id", cellID, "date", domain.DateKey(date), "hour", hour, "predicted", pred)
	return pred, conf, nil
}
