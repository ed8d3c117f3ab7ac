package risk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/userjourney/exit-intervention/pkg/common"
	"github.com/userjourney/exit-intervention/pkg/feature"
)

func TestHTTPScorer_RequestAndResponseShape(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(scoreResponse{Predictions: []float64{0.42}})
	}))
	defer srv.Close()

	s := NewHTTPScorer(HTTPScorerConfig{Endpoint: srv.URL})

	vector := [feature.VectorSize]float64{1, 2, 3}
	p, err := s.Score(context.Background(), vector)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if p != 0.42 {
		t.Errorf("probability = %v, want 0.42", p)
	}

	if len(got.Instances) != 1 || len(got.Instances[0]) != feature.VectorSize {
		t.Fatalf("request instances shape = %v, want one row of %d", got.Instances, feature.VectorSize)
	}
	if got.Instances[0][0] != 1 || got.Instances[0][2] != 3 {
		t.Errorf("vector not passed through: %v", got.Instances[0])
	}
}

func TestHTTPScorer_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "empty predictions",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(scoreResponse{})
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := NewHTTPScorer(HTTPScorerConfig{Endpoint: srv.URL})
			_, err := s.Score(context.Background(), [feature.VectorSize]float64{})
			if err == nil {
				t.Fatal("expected an error")
			}
			var ext *common.ExternalServiceError
			if !errors.As(err, &ext) {
				t.Errorf("err = %v, want ExternalServiceError", err)
			}
		})
	}
}
