// Package webhook delivers transaction status changes to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/types"
)

const (
	defaultTimeout = 10 * time.Second

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

type Sender struct {
	logger  *logrus.Logger
	client  *http.Client
	backoff time.Duration
}

func NewSender(logger *logrus.Logger) *Sender {
	return &Sender{
		logger: logger,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
		backoff: initialBackoff,
	}
}

// Send posts tx as JSON to url, retrying with exponential backoff on failure.
func (s *Sender) Send(ctx context.Context, url string, tx types.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("fail to marshal transaction: %w", err)
	}

	return s.retryWithBackoff(ctx, url, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("fail to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("fail to post webhook: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			s.logger.WithFields(logrus.Fields{
				"status_code": resp.StatusCode,
				"body":        string(respBody),
				"queue_id":    tx.QueueID,
			}).Error("Webhook rejected")
			return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
		}

		s.logger.WithFields(logrus.Fields{
			"queue_id": tx.QueueID,
			"status":   tx.Status,
		}).Info("Webhook delivered")
		return nil
	})
}

func (s *Sender) retryWithBackoff(ctx context.Context, url string, fn func() error) error {
	var lastErr error
	backoff := s.backoff

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
				"url":     url,
			}).Debug("Retrying webhook")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
			"url":     url,
		}).Warn("Webhook failed, will retry")
	}

	return fmt.Errorf("webhook failed: %w", lastErr)
}
