package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/service"
)

// TransactionQueue is the inbound and read side of the relay.
type TransactionQueue interface {
	Enqueue(ctx context.Context, req types.EnqueueRequest) (uuid.UUID, error)
	GetStatus(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error)
	ListTransactions(ctx context.Context, filter types.TransactionFilter) ([]types.Transaction, int64, error)
	WaitForStatus(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error)
}

// TransactionControl changes transactions already queued or on chain.
type TransactionControl interface {
	Retry(ctx context.Context, req service.RetryRequest) (*types.Transaction, error)
	Cancel(ctx context.Context, queueID uuid.UUID) (*types.Transaction, error)
}

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 2 * time.Minute
)

type Server struct {
	port        int64
	queue       TransactionQueue
	control     TransactionControl
	authService *service.AuthService
	sdClient    statsd.ClientInterface
	logger      *logrus.Logger
}

// NewServer returns a new server.
func NewServer(port int64,
	queue TransactionQueue,
	control TransactionControl,
	authService *service.AuthService,
	sdClient statsd.ClientInterface,
	logger *logrus.Logger) *Server {
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	return &Server{
		port:        port,
		queue:       queue,
		control:     control,
		authService: authService,
		sdClient:    sdClient,
		logger:      logger,
	}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.INFO)
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 50, Burst: 100, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))

	e.GET("/ping", s.Ping)
	e.POST("/auth/refresh", s.RefreshToken)

	grp := e.Group("/transaction", s.AuthMiddleware)
	grp.POST("/send", s.SendTransaction)
	grp.GET("/status/:queueId", s.GetTransactionStatus)
	grp.GET("/status/:queueId/wait", s.WaitTransactionStatus)
	grp.GET("/get-all", s.GetAllTransactions)
	grp.POST("/retry", s.RetryTransaction)
	grp.POST("/cancel", s.CancelTransaction)
	return e
}

func (s *Server) StartServer() error {
	return s.Handler().Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Transaction relay is running")
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps the relay error taxonomy to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case types.CodeValidation, types.CodeSimulationFailed, types.CodeBroadcastFailed:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeInvalidState, types.CodeAlreadyMined:
		return http.StatusConflict
	case types.CodeSignerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, errorResponse{Error: http.StatusText(httpErr.Code), Message: fmt.Sprint(httpErr.Message)})
		return
	}

	txErr := types.NewTransactionError(err)
	status := statusFor(txErr.Code)
	message := txErr.Message
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Path()).Error("Request failed")
		message = "internal error"
	}
	_ = c.JSON(status, errorResponse{Error: txErr.Code, Message: message})
}
