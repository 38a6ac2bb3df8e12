package storage

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var videoID = uuid.MustParse("6f1c3d1e-2b7a-4c0e-9a55-0d1f6b8e2a11")

func TestManifestPath(t *testing.T) {
	assert.Equal(t, "6f1c3d1e-2b7a-4c0e-9a55-0d1f6b8e2a11/master.m3u8", ManifestPath(videoID))
}

func TestManifestURL(t *testing.T) {
	tests := []struct {
		name      string
		cdn       string
		account   string
		container string
		want      string
	}{
		{
			name:    "cdn endpoint wins",
			cdn:     "https://cdn.example.com/",
			account: "acct",
			want:    "https://cdn.example.com/6f1c3d1e-2b7a-4c0e-9a55-0d1f6b8e2a11/master.m3u8",
		},
		{
			name:    "direct storage url",
			account: "acct",
			want:    "https://acct.blob.core.windows.net/videos-encoded/6f1c3d1e-2b7a-4c0e-9a55-0d1f6b8e2a11/master.m3u8",
		},
		{
			name:      "custom container",
			account:   "acct",
			container: "encoded",
			want:      "https://acct.blob.core.windows.net/encoded/6f1c3d1e-2b7a-4c0e-9a55-0d1f6b8e2a11/master.m3u8",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ManifestURL(tt.cdn, tt.account, tt.container, videoID))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	notFound404 := &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
		Err:      errors.New("not found"),
	}}
	forbidden := &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusForbidden}},
		Err:      errors.New("forbidden"),
	}}

	assert.True(t, IsNotFound(&types.NotFound{}))
	assert.True(t, IsNotFound(fmt.Errorf("head: %w", &types.NoSuchKey{})))
	assert.True(t, IsNotFound(notFound404))
	assert.False(t, IsNotFound(forbidden))
	assert.False(t, IsNotFound(errors.New("connection reset")))
}
