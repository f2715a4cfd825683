package api

import (
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/queue"
	"github.com/relaycore/relayer/pkg/ratelimit"
	"github.com/relaycore/relayer/pkg/types"
)

type sendTransactionRequest struct {
	To         string   `json:"to" validate:"required"`
	Value      string   `json:"value"`
	Data       string   `json:"data"`
	Blobs      []string `json:"blobs,omitempty"`
	Speed      string   `json:"speed"`
	ExternalID *string  `json:"external_id,omitempty"`
	ExpiresAt  *string  `json:"expires_at,omitempty"`
}

type transactionResponse struct {
	ID     string  `json:"id"`
	Hash   *string `json:"hash"`
	Status string  `json:"status"`
}

func fullTransactionBody(transaction *models.Transaction) map[string]any {
	body := map[string]any{
		"id":         transaction.ID,
		"relayer_id": transaction.RelayerID,
		"chain_id":   transaction.ChainID,
		"from":       transaction.From,
		"to":         transaction.To,
		"value":      transaction.Value,
		"data":       "0x" + hex.EncodeToString(transaction.Data),
		"nonce":      transaction.Nonce,
		"speed":      transaction.Speed,
		"status":     transaction.Status,
		"is_noop":    transaction.IsNoop,
		"queued_at":  transaction.QueuedAt.UTC().Format(time.RFC3339),
		"expires_at": transaction.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if transaction.Hash != nil {
		body["hash"] = *transaction.Hash
	}
	if transaction.MaxFee != nil {
		body["max_fee"] = *transaction.MaxFee
	}
	if transaction.MaxPriorityFee != nil {
		body["max_priority_fee"] = *transaction.MaxPriorityFee
	}
	if transaction.GasPrice != nil {
		body["gas_price"] = *transaction.GasPrice
	}
	if transaction.GasLimit != nil {
		body["gas_limit"] = *transaction.GasLimit
	}
	if transaction.ExternalID != nil {
		body["external_id"] = *transaction.ExternalID
	}
	if transaction.FailedReason != nil {
		body["failed_reason"] = *transaction.FailedReason
	}
	if transaction.MinedAtBlockNumber != nil {
		body["mined_at_block_number"] = *transaction.MinedAtBlockNumber
	}
	if transaction.CancelledByTransactionID != nil {
		body["cancelled_by_transaction_id"] = *transaction.CancelledByTransactionID
	}
	return body
}

func (s *Server) rateLimitKey(c echo.Context) string {
	return c.Request().Header.Get(RateLimitKeyHeader)
}

func (s *Server) admitTransaction(c echo.Context, class ratelimit.EndpointClass) error {
	auth := currentAuth(c)
	if auth == nil || s.limiter == nil {
		return nil
	}
	key := auth.apiKey
	if auth.admin {
		key = "admin"
	}
	return s.limiter.Allow(key, class, s.rateLimitKey(c))
}

func decodeSendRequest(c echo.Context) (*queue.SendRequest, error) {
	var request sendTransactionRequest
	if err := c.Bind(&request); err != nil {
		return nil, &types.ValidationError{Reason: "malformed request body"}
	}
	if request.To == "" {
		return nil, &types.ValidationError{Field: "to", Reason: "required"}
	}
	if request.Value == "" {
		request.Value = "0"
	}
	if _, err := types.ParseWeiValue(request.Value); err != nil {
		return nil, &types.ValidationError{Field: "value", Reason: "must be a 256-bit decimal string"}
	}

	var data []byte
	if request.Data != "" && request.Data != "0x" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(request.Data, "0x"))
		if err != nil {
			return nil, &types.ValidationError{Field: "data", Reason: "must be 0x-prefixed hex"}
		}
		data = decoded
	}

	var blobs [][]byte
	for _, rawBlob := range request.Blobs {
		decoded, err := hex.DecodeString(strings.TrimPrefix(rawBlob, "0x"))
		if err != nil {
			return nil, &types.ValidationError{Field: "blobs", Reason: "blob must be 0x-prefixed hex"}
		}
		if len(decoded) > 131072 {
			return nil, &types.ValidationError{Field: "blobs", Reason: "blob exceeds 128KiB"}
		}
		blobs = append(blobs, decoded)
	}

	speed := types.SpeedFast
	if request.Speed != "" {
		parsed, err := types.ParseTransactionSpeed(request.Speed)
		if err != nil {
			return nil, &types.ValidationError{Field: "speed", Reason: err.Error()}
		}
		speed = parsed
	}

	var expiresAt *time.Time
	if request.ExpiresAt != nil {
		parsed, err := time.Parse(time.RFC3339, *request.ExpiresAt)
		if err != nil {
			return nil, &types.ValidationError{Field: "expires_at", Reason: "must be RFC3339"}
		}
		expiresAt = &parsed
	}

	return &queue.SendRequest{
		To:         request.To,
		Value:      request.Value,
		Data:       data,
		Blobs:      blobs,
		Speed:      speed,
		ExternalID: request.ExternalID,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *Server) sendToRelayer(c echo.Context, relayerID string) error {
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	if err := s.admitTransaction(c, ratelimit.ClassTransactions); err != nil {
		return httpError(c, err)
	}

	request, err := decodeSendRequest(c)
	if err != nil {
		return httpError(c, err)
	}

	relayer, err := s.db.FindRelayerByID(relayerID)
	if err != nil {
		return httpError(c, err)
	}
	value, _ := types.ParseWeiValue(request.Value)
	if err := s.gate.CheckTransaction(relayer, request.To, value, request.Data); err != nil {
		return httpError(c, err)
	}

	if auth := currentAuth(c); auth != nil && auth.apiKey != "" {
		request.ApiKey = &auth.apiKey
	}

	transaction, err := s.queues.SendTransaction(relayerID, request)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, transactionResponse{
		ID:     transaction.ID,
		Hash:   transaction.Hash,
		Status: string(transaction.Status),
	})
}

func (s *Server) handleSendTransaction(c echo.Context) error {
	return s.sendToRelayer(c, c.Param("id"))
}

// handleSendRandomTransaction picks any available relayer on the chain.
func (s *Server) handleSendRandomTransaction(c echo.Context) error {
	chainID, err := parseChainID(c)
	if err != nil {
		return httpError(c, err)
	}
	relayerID, err := s.queues.PickRelayerForChain(chainID)
	if err != nil {
		return httpError(c, err)
	}
	return s.sendToRelayer(c, relayerID)
}

func (s *Server) handleReplaceTransaction(c echo.Context) error {
	original, err := s.db.FindTransactionByID(c.Param("tx_id"))
	if err != nil {
		return httpError(c, err)
	}
	if err := authorizeRelayer(c, original.RelayerID); err != nil {
		return err
	}
	if err := s.admitTransaction(c, ratelimit.ClassTransactions); err != nil {
		return httpError(c, err)
	}

	request, err := decodeSendRequest(c)
	if err != nil {
		return httpError(c, err)
	}
	relayer, err := s.db.FindRelayerByID(original.RelayerID)
	if err != nil {
		return httpError(c, err)
	}
	value, _ := types.ParseWeiValue(request.Value)
	if err := s.gate.CheckTransaction(relayer, request.To, value, request.Data); err != nil {
		return httpError(c, err)
	}

	replacement, err := s.queues.ReplaceTransaction(original.ID, request, s.rateLimitKey(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, transactionResponse{
		ID:     replacement.ID,
		Hash:   replacement.Hash,
		Status: string(replacement.Status),
	})
}

func (s *Server) handleCancelTransaction(c echo.Context) error {
	original, err := s.db.FindTransactionByID(c.Param("tx_id"))
	if err != nil {
		return httpError(c, err)
	}
	if err := authorizeRelayer(c, original.RelayerID); err != nil {
		return err
	}
	if err := s.admitTransaction(c, ratelimit.ClassTransactions); err != nil {
		return httpError(c, err)
	}

	noop, err := s.queues.CancelTransaction(original.ID, s.rateLimitKey(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, transactionResponse{
		ID:     noop.ID,
		Hash:   noop.Hash,
		Status: string(noop.Status),
	})
}

func (s *Server) getAuthorizedTransaction(c echo.Context, transaction *models.Transaction, err error) error {
	if err != nil {
		return httpError(c, err)
	}
	if authErr := authorizeRelayer(c, transaction.RelayerID); authErr != nil {
		return authErr
	}
	return c.JSON(http.StatusOK, fullTransactionBody(transaction))
}

func (s *Server) handleGetTransaction(c echo.Context) error {
	transaction, err := s.db.FindTransactionByID(c.Param("id"))
	return s.getAuthorizedTransaction(c, transaction, err)
}

func (s *Server) handleGetTransactionStatus(c echo.Context) error {
	transaction, err := s.db.FindTransactionByID(c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	if authErr := authorizeRelayer(c, transaction.RelayerID); authErr != nil {
		return authErr
	}
	body := map[string]any{"id": transaction.ID, "status": transaction.Status}
	if transaction.Hash != nil {
		body["hash"] = *transaction.Hash
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleGetTransactionByHash(c echo.Context) error {
	transaction, err := s.db.FindTransactionByHash(strings.ToLower(c.Param("hash")))
	return s.getAuthorizedTransaction(c, transaction, err)
}

func (s *Server) handleGetTransactionByExternalID(c echo.Context) error {
	auth := currentAuth(c)
	var relayerID string
	if auth != nil && auth.relayer != nil {
		relayerID = auth.relayer.ID
	} else {
		relayerID = c.QueryParam("relayer_id")
		if relayerID == "" {
			return httpError(c, &types.ValidationError{Field: "relayer_id", Reason: "required for admin lookups"})
		}
	}
	transaction, err := s.db.FindTransactionByExternalID(relayerID, c.Param("external_id"))
	return s.getAuthorizedTransaction(c, transaction, err)
}

func (s *Server) handleListRelayerTransactions(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	limit, offset := parsePaging(c)
	transactions, err := s.db.ListRelayerTransactions(relayerID, limit, offset)
	if err != nil {
		return httpError(c, err)
	}
	response := make([]map[string]any, 0, len(transactions))
	for i := range transactions {
		response = append(response, fullTransactionBody(&transactions[i]))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) handlePendingCount(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	count, err := s.queues.PendingCount(relayerID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleInmempoolCount(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	count, err := s.queues.InmempoolCount(relayerID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": count})
}
