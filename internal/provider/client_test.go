package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_Success(t *testing.T) {
	videoID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))

		var got Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, videoID, got.VideoID)
		assert.Equal(t, "https://signed/in.mp4", got.InputURL)
		assert.Equal(t, 1, got.Priority)

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"prov-42"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key-1", 0, nil)
	id, err := c.Submit(context.Background(), Request{VideoID: videoID, InputURL: "https://signed/in.mp4", Priority: 1})
	require.NoError(t, err)
	assert.Equal(t, "prov-42", id)
}

func TestSubmit_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		rejected bool
	}{
		{"bad request is permanent", http.StatusBadRequest, true},
		{"unprocessable is permanent", http.StatusUnprocessableEntity, true},
		{"rate limited is retryable", http.StatusTooManyRequests, false},
		{"server error is retryable", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "", 0, nil).Submit(context.Background(), Request{VideoID: uuid.New()})
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
		})
	}
}

func TestSubmit_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "", 0, nil).Submit(context.Background(), Request{VideoID: uuid.New()})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}
