package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/feature"
)

// Scorer produces an exit probability in [0, 1] for a feature vector.
type Scorer interface {
	Score(ctx context.Context, vector [feature.VectorSize]float64) (float64, error)
}

// HTTPScorerConfig configures the scoring endpoint client.
type HTTPScorerConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// HTTPScorer calls the hosted scoring model over HTTP. The request and
// response shapes follow the model serving convention:
// {"instances": [[...]]} in, {"predictions": [p]} out.
type HTTPScorer struct {
	cfg    HTTPScorerConfig
	client *http.Client
}

// NewHTTPScorer creates a scorer with a bounded request timeout.
func NewHTTPScorer(cfg HTTPScorerConfig) *HTTPScorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &HTTPScorer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type scoreRequest struct {
	Instances [][]float64 `json:"instances"`
}

type scoreResponse struct {
	Predictions []float64 `json:"predictions"`
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, vector [feature.VectorSize]float64) (float64, error) {
	body, err := json.Marshal(scoreRequest{Instances: [][]float64{vector[:]}})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, common.NewExternalServiceError("scoring", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, common.NewExternalServiceError("scoring",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, common.NewExternalServiceError("scoring", err)
	}
	if len(out.Predictions) == 0 {
		return 0, common.NewExternalServiceError("scoring",
			fmt.Errorf("empty predictions array"))
	}

	return out.Predictions[0], nil
}
