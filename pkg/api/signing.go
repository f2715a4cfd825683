package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/labstack/echo/v4"

	"github.com/relaycore/relayer/pkg/ratelimit"
	"github.com/relaycore/relayer/pkg/signers"
	"github.com/relaycore/relayer/pkg/types"
)

type signMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

func (s *Server) handleSignMessage(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	if err := s.admitTransaction(c, ratelimit.ClassSigning); err != nil {
		return httpError(c, err)
	}

	var request signMessageRequest
	if err := c.Bind(&request); err != nil || request.Message == "" {
		return httpError(c, &types.ValidationError{Field: "message", Reason: "required"})
	}

	relayer, err := s.db.FindRelayerByID(relayerID)
	if err != nil {
		return httpError(c, err)
	}
	if err := s.gate.CheckPersonalSign(relayer); err != nil {
		return httpError(c, err)
	}

	signature, err := s.wallet.SignText(c.Request().Context(), relayer.WalletIndex, request.Message)
	if err != nil {
		return httpError(c, err)
	}

	digest := signers.TextDigest(request.Message)
	signatureHex := "0x" + hex.EncodeToString(signature)
	if err := s.db.RecordSignedText(relayer.ID, relayer.ChainID, request.Message,
		"0x"+hex.EncodeToString(digest), signatureHex); err != nil {
		return httpError(c, err)
	}
	s.publishSigningEvent(types.EventTextSigned, relayer.ID, relayer.ChainID, map[string]any{
		"message":   request.Message,
		"signature": signatureHex,
	})

	return c.JSON(http.StatusOK, map[string]string{
		"address":   relayer.Address,
		"signature": signatureHex,
	})
}

type signTypedDataRequest = apitypes.TypedData

func (s *Server) handleSignTypedData(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	if err := s.admitTransaction(c, ratelimit.ClassSigning); err != nil {
		return httpError(c, err)
	}

	var typedData signTypedDataRequest
	if err := c.Bind(&typedData); err != nil {
		return httpError(c, &types.ValidationError{Field: "typed_data", Reason: "malformed EIP-712 payload"})
	}

	relayer, err := s.db.FindRelayerByID(relayerID)
	if err != nil {
		return httpError(c, err)
	}
	if err := s.gate.CheckTypedDataSign(relayer); err != nil {
		return httpError(c, err)
	}

	digest, err := signers.TypedDataDigest(typedData)
	if err != nil {
		return httpError(c, err)
	}
	signature, err := s.wallet.SignTypedData(c.Request().Context(), relayer.WalletIndex, typedData)
	if err != nil {
		return httpError(c, err)
	}

	domainJSON, _ := json.Marshal(typedData.Domain)
	messageJSON, _ := json.Marshal(typedData.Message)
	signatureHex := "0x" + hex.EncodeToString(signature)
	if err := s.db.RecordSignedTypedData(relayer.ID, relayer.ChainID,
		domainJSON, typedData.PrimaryType, messageJSON,
		"0x"+hex.EncodeToString(digest), signatureHex); err != nil {
		return httpError(c, err)
	}
	s.publishSigningEvent(types.EventTypedDataSigned, relayer.ID, relayer.ChainID, map[string]any{
		"primary_type": typedData.PrimaryType,
		"signature":    signatureHex,
	})

	return c.JSON(http.StatusOK, map[string]string{
		"address":   relayer.Address,
		"signature": signatureHex,
	})
}

func (s *Server) publishSigningEvent(eventType types.EventType, relayerID string, chainID uint64, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(&types.EventEnvelope{
		EventType: eventType,
		ChainID:   chainID,
		RelayerID: relayerID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (s *Server) handleTextHistory(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	limit, offset := parsePaging(c)
	history, err := s.db.GetSignedTextHistory(relayerID, limit, offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleTypedDataHistory(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	limit, offset := parsePaging(c)
	history, err := s.db.GetSignedTypedDataHistory(relayerID, limit, offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}
