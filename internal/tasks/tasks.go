package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/vultisig/txrelay/internal/types"
)

const (
	QUEUE_NAME         = "txrelay_queue"
	WEBHOOK_QUEUE_NAME = "txrelay_webhook_queue"

	TypeDispatch    = "tx:dispatch"
	TypeReconcile   = "tx:reconcile"
	TypeRecover     = "tx:recover"
	TypeNonceResync = "nonce:resync"
	TypeWebhook     = "webhook:send"
)

// Queues is the asynq queue priority map of the worker.
var Queues = map[string]int{
	QUEUE_NAME:         10,
	WEBHOOK_QUEUE_NAME: 5,
}

type WebhookPayload struct {
	URL         string            `json:"url"`
	Transaction types.Transaction `json:"transaction"`
}

// NewCycleTask builds a payload-less task that runs one cycle of a background loop.
func NewCycleTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil)
}

func NewWebhook(url string, tx types.Transaction) (*asynq.Task, error) {
	payload, err := json.Marshal(WebhookPayload{URL: url, Transaction: tx})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeWebhook, payload), nil
}
