package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookServiceEnabled(t *testing.T) {
	assert.False(t, NewWebhookService("", "https://api.test").Enabled())
	assert.True(t, NewWebhookService("https://hooks.test/cb", "https://api.test").Enabled())
}

func TestWebhookNotifyCompletion(t *testing.T) {
	svc := NewWebhookService("https://hooks.test/cb", "https://api.test")
	httpmock.ActivateNonDefault(svc.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	var received completionPayload
	httpmock.RegisterResponder("POST", "https://hooks.test/cb",
		func(req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &received))
			return httpmock.NewStringResponse(200, "ok"), nil
		})

	svc.NotifyCompletion(context.Background(), "csv-123", "done")

	assert.Equal(t, "csv-123", received.CSVID)
	assert.Equal(t, "done", received.Status)
	assert.Equal(t, "https://api.test/api/v1/catchment/csv/csv-123", received.DownloadURL)
}

func TestWebhookNotifyCompletionServerError(t *testing.T) {
	svc := NewWebhookService("https://hooks.test/cb", "https://api.test")
	httpmock.ActivateNonDefault(svc.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder("POST", "https://hooks.test/cb",
		httpmock.NewStringResponder(500, "boom"))

	// Best-effort: a failing endpoint must not panic or error out.
	svc.NotifyCompletion(context.Background(), "csv-123", "failed")
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
