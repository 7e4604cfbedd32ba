package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/internal/validation"
	"github.com/vultisig/txrelay/service"
)

type SendTransactionResponse struct {
	QueueID uuid.UUID `json:"queue_id"`
}

type CancelRequest struct {
	QueueID uuid.UUID `json:"queue_id" validate:"required"`
}

type TransactionListResponse struct {
	Transactions []types.Transaction `json:"transactions"`
	Total        int64               `json:"total"`
}

type RefreshTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrValidation, fmt.Sprintf(format, args...))
}

func queueIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("queueId"))
	if err != nil {
		return uuid.Nil, badRequest("queueId is not a valid id")
	}
	return id, nil
}

func (s *Server) SendTransaction(c echo.Context) error {
	var req types.EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("fail to parse request, err: %v", err)
	}
	id, err := s.queue.Enqueue(c.Request().Context(), req)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"queue_id": id,
		"client":   c.Get(clientContextKey),
	}).Info("Transaction accepted")
	return c.JSON(http.StatusAccepted, SendTransactionResponse{QueueID: id})
}

func (s *Server) GetTransactionStatus(c echo.Context) error {
	id, err := queueIDParam(c)
	if err != nil {
		return err
	}
	tx, err := s.queue.GetStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tx)
}

// WaitTransactionStatus holds the request until the transaction is final or the
// timeout (seconds, default 30, at most 120) passes, then returns its state.
func (s *Server) WaitTransactionStatus(c echo.Context) error {
	id, err := queueIDParam(c)
	if err != nil {
		return err
	}
	timeout := defaultWaitTimeout
	if raw := c.QueryParam("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return badRequest("timeout must be a positive number of seconds")
		}
		timeout = time.Duration(seconds) * time.Second
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()
	tx, err := s.queue.WaitForStatus(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return c.JSON(http.StatusOK, tx)
}

func (s *Server) GetAllTransactions(c echo.Context) error {
	filter := types.TransactionFilter{
		Sort: types.SortOrder(c.QueryParam("sort")),
	}
	var err error
	if raw := c.QueryParam("page"); raw != "" {
		if filter.Page, err = strconv.Atoi(raw); err != nil {
			return badRequest("page must be a number")
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			return badRequest("limit must be a number")
		}
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := types.TransactionStatus(raw)
		filter.Status = &status
	}

	txs, total, err := s.queue.ListTransactions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	resp := TransactionListResponse{Transactions: txs, Total: total}
	if resp.Transactions == nil {
		resp.Transactions = []types.Transaction{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) RetryTransaction(c echo.Context) error {
	var req service.RetryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("fail to parse request, err: %v", err)
	}
	if err := validation.Validate.Struct(req); err != nil {
		return badRequest("%v", err)
	}
	tx, err := s.control.Retry(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tx)
}

func (s *Server) CancelTransaction(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("fail to parse request, err: %v", err)
	}
	if err := validation.Validate.Struct(req); err != nil {
		return badRequest("%v", err)
	}
	tx, err := s.control.Cancel(c.Request().Context(), req.QueueID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tx)
}

func (s *Server) RefreshToken(c echo.Context) error {
	var req RefreshTokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("fail to parse request, err: %v", err)
	}
	token, err := s.authService.RefreshToken(req.Token)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Message: err.Error()})
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}
