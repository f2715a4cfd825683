package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/config"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/policy"
	"github.com/relaycore/relayer/pkg/queue"
	"github.com/relaycore/relayer/pkg/ratelimit"
	"github.com/relaycore/relayer/pkg/signers"
	"github.com/relaycore/relayer/pkg/types"
)

// RateLimitKeyHeader is the client-supplied extra quota dimension, also the
// replace/cancel idempotency key.
const RateLimitKeyHeader = "x-rrelayer-rate-limit-key"

// Server is the HTTP/JSON surface over the relay core.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	db       *db.DatabaseAdapter
	queues   *queue.TransactionsQueues
	gate     *policy.Gate
	limiter  *ratelimit.Limiter
	gasCache *gas.OracleCache
	wallet   signers.WalletManager
	bus      *events.EventBus
}

func NewServer(
	cfg *config.Config,
	database *db.DatabaseAdapter,
	queues *queue.TransactionsQueues,
	gate *policy.Gate,
	limiter *ratelimit.Limiter,
	gasCache *gas.OracleCache,
	wallet signers.WalletManager,
	bus *events.EventBus,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	server := &Server{
		echo:     e,
		cfg:      cfg,
		db:       database,
		queues:   queues,
		gate:     gate,
		limiter:  limiter,
		gasCache: gasCache,
		wallet:   wallet,
		bus:      bus,
	}
	server.routes()
	return server
}

func (s *Server) routes() {
	e := s.echo
	auth := s.authMiddleware

	e.GET("/auth/status", s.handleAuthStatus, auth)

	// Chain-scoped relayer creation shares the :id position with relayer
	// routes; the handlers parse the segment as a chain id.
	relayers := e.Group("/relayers", auth)
	relayers.POST("/:id/new", s.handleCreateRelayer, s.adminOnly)
	relayers.POST("/:id/import", s.handleImportRelayer, s.adminOnly)
	relayers.POST("/:id/clone", s.handleCloneRelayer, s.adminOnly)
	relayers.GET("", s.handleListRelayers)
	relayers.GET("/:id", s.handleGetRelayer)
	relayers.PUT("/:id/pause", s.handlePauseRelayer)
	relayers.PUT("/:id/unpause", s.handleUnpauseRelayer)
	relayers.PUT("/:id/gas/max/:cap", s.handleSetMaxGasPrice)
	relayers.PUT("/:id/gas/eip1559/:enabled", s.handleSetEIP1559)
	relayers.DELETE("/:id", s.handleDeleteRelayer, s.adminOnly)
	relayers.POST("/:id/allowlists", s.handleAddAllowlist)
	relayers.DELETE("/:id/allowlists/:address", s.handleRemoveAllowlist)
	relayers.GET("/:id/allowlists", s.handleGetAllowlist)

	transactions := e.Group("/transactions", auth)
	transactions.POST("/relayers/:id/send", s.handleSendTransaction)
	transactions.POST("/relayers/:id/send_random", s.handleSendRandomTransaction)
	transactions.PUT("/replace/:tx_id", s.handleReplaceTransaction)
	transactions.PUT("/cancel/:tx_id", s.handleCancelTransaction)
	transactions.GET("/:id", s.handleGetTransaction)
	transactions.GET("/status/:id", s.handleGetTransactionStatus)
	transactions.GET("/hash/:hash", s.handleGetTransactionByHash)
	transactions.GET("/external/:external_id", s.handleGetTransactionByExternalID)
	transactions.GET("/relayers/:id", s.handleListRelayerTransactions)
	transactions.GET("/relayers/:id/pending/count", s.handlePendingCount)
	transactions.GET("/relayers/:id/inmempool/count", s.handleInmempoolCount)

	signing := e.Group("/signing", auth)
	signing.POST("/relayers/:id/message", s.handleSignMessage)
	signing.POST("/relayers/:id/typed-data", s.handleSignTypedData)
	signing.GET("/relayers/:id/text-history", s.handleTextHistory)
	signing.GET("/relayers/:id/typed-data-history", s.handleTypedDataHistory)

	networks := e.Group("/networks", auth)
	networks.GET("", s.handleListNetworks)
	networks.GET("/enabled", s.handleEnabledNetworks)
	networks.GET("/disabled", s.handleDisabledNetworks)
	networks.GET("/:chain_id", s.handleGetNetwork)

	e.PUT("/enable/:chain_id", s.handleEnableNetwork, auth, s.adminOnly)
	e.PUT("/disable/:chain_id", s.handleDisableNetwork, auth, s.adminOnly)

	e.GET("/gas/price/:chain_id", s.handleGasPrice, auth)
}

func (s *Server) Start() error {
	address := fmt.Sprintf("%s:%d", s.cfg.Api.Host, s.cfg.Api.Port)
	log.Info().Str("address", address).Msg("[Api] [Start] http server listening")
	err := s.echo.Start(address)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// httpError maps the error taxonomy onto status codes.
func httpError(c echo.Context, err error) error {
	var validation *types.ValidationError
	var reject *types.PolicyReject
	var limited *types.RateLimited
	var notFound *types.NotFound
	var transient *types.ProviderTransient

	switch {
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, errorBody(err))
	case errors.As(err, &reject):
		return c.JSON(http.StatusForbidden, errorBody(err))
	case errors.As(err, &limited):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		return c.JSON(http.StatusTooManyRequests, errorBody(err))
	case errors.As(err, &notFound):
		return c.JSON(http.StatusNotFound, errorBody(err))
	case errors.As(err, &transient):
		return c.JSON(http.StatusServiceUnavailable, errorBody(err))
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("[Api] [httpError] unhandled error")
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func parseChainID(c echo.Context) (uint64, error) {
	raw := c.Param("chain_id")
	if raw == "" {
		raw = c.Param("id")
	}
	chainID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &types.ValidationError{Field: "chain_id", Reason: "must be an unsigned integer"}
	}
	return chainID, nil
}

func parsePaging(c echo.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
