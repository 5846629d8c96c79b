package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookService posts a completion callback to an operator-configured URL
// when a job reaches a terminal state. Delivery is best-effort: a failed post
// is logged, never retried against the job's own lifecycle.
type WebhookService struct {
	http          *resty.Client
	webhookURL    string
	publicBaseURL string
}

func NewWebhookService(webhookURL, publicBaseURL string) *WebhookService {
	return &WebhookService{
		http:          resty.New().SetTimeout(5 * time.Second),
		webhookURL:    webhookURL,
		publicBaseURL: publicBaseURL,
	}
}

// Enabled reports whether a webhook URL is configured.
func (s *WebhookService) Enabled() bool {
	return s.webhookURL != ""
}

type completionPayload struct {
	CSVID       string `json:"csv_id"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
}

func (s *WebhookService) NotifyCompletion(ctx context.Context, csvID, status string) {
	if !s.Enabled() {
		log.Println("No WEBHOOK_URL set, skipping webhook.")
		return
	}

	payload := completionPayload{
		CSVID:       csvID,
		Status:      status,
		DownloadURL: fmt.Sprintf("%s/api/v1/catchment/csv/%s", s.publicBaseURL, csvID),
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.webhookURL)
	if err != nil {
		log.Printf("ERROR: Failed to send webhook for CSV %s: %v", csvID, err)
		return
	}
	if resp.IsError() {
		log.Printf("ERROR: Webhook for CSV %s returned status %d", csvID, resp.StatusCode())
		return
	}
	log.Printf("INFO: Webhook sent to %s for CSV %s", s.webhookURL, csvID)
}
