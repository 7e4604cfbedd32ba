package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/txrelay/internal/types"
)

func TestSend(t *testing.T) {
	testCases := []struct {
		name      string
		failUntil int32
		expectErr bool
		calls     int32
	}{
		{name: "first attempt", failUntil: 0, calls: 1},
		{name: "succeeds after retry", failUntil: 2, calls: 3},
		{name: "gives up", failUntil: 10, expectErr: true, calls: maxRetries},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			tx := types.Transaction{QueueID: uuid.New(), Status: types.StatusMined}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				var got types.Transaction
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				assert.Equal(t, tx.QueueID, got.QueueID)
				if n <= tc.failUntil {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			s := NewSender(logrus.New())
			s.backoff = time.Millisecond
			err := s.Send(context.Background(), server.URL, tx)
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.calls, atomic.LoadInt32(&calls))
		})
	}
}
