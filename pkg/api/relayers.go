package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

type relayerResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ChainID        uint64  `json:"chain_id"`
	Address        string  `json:"address"`
	WalletIndex    uint32  `json:"wallet_index"`
	MaxGasPriceCap *string `json:"max_gas_price_cap,omitempty"`
	Paused         bool    `json:"paused"`
	EIP1559Enabled bool    `json:"eip_1559_enabled"`
	IsPrivateKey   bool    `json:"is_private_key"`
	CreatedAt      string  `json:"created_at"`
}

func toRelayerResponse(relayer *models.Relayer) relayerResponse {
	return relayerResponse{
		ID:             relayer.ID,
		Name:           relayer.Name,
		ChainID:        relayer.ChainID,
		Address:        types.NormalizeAddress(relayer.Address),
		WalletIndex:    relayer.WalletIndex,
		MaxGasPriceCap: relayer.MaxGasPriceCap,
		Paused:         relayer.Paused,
		EIP1559Enabled: relayer.EIP1559Enabled,
		IsPrivateKey:   relayer.IsPrivateKey,
		CreatedAt:      relayer.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

type createRelayerRequest struct {
	Name string `json:"name" validate:"required"`
}

// handleCreateRelayer materializes a new relayer: next free wallet index,
// address resolved through the signing provider, pipeline started.
func (s *Server) handleCreateRelayer(c echo.Context) error {
	chainID, err := parseChainID(c)
	if err != nil {
		return httpError(c, err)
	}
	var request createRelayerRequest
	if err := c.Bind(&request); err != nil || request.Name == "" {
		return httpError(c, &types.ValidationError{Field: "name", Reason: "required"})
	}

	walletIndex, err := s.db.NextWalletIndex()
	if err != nil {
		return httpError(c, err)
	}
	address, err := s.wallet.CreateWallet(c.Request().Context(), walletIndex, chainID)
	if err != nil {
		return httpError(c, err)
	}

	relayer := &models.Relayer{
		ID:          uuid.New().String(),
		Name:        request.Name,
		ChainID:     chainID,
		Address:     types.NormalizeAddress(address.Hex()),
		WalletIndex: walletIndex,
	}
	relayer.EIP1559Enabled = true
	if err := s.db.CreateRelayer(relayer); err != nil {
		return httpError(c, err)
	}
	if err := s.queues.StartQueue(c.Request().Context(), relayer); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, toRelayerResponse(relayer))
}

type importRelayerRequest struct {
	Name        string `json:"name" validate:"required"`
	WalletIndex uint32 `json:"wallet_index"`
}

// handleImportRelayer registers a relayer over existing provider key
// material (an explicit wallet index or key slot).
func (s *Server) handleImportRelayer(c echo.Context) error {
	chainID, err := parseChainID(c)
	if err != nil {
		return httpError(c, err)
	}
	var request importRelayerRequest
	if err := c.Bind(&request); err != nil || request.Name == "" {
		return httpError(c, &types.ValidationError{Field: "name", Reason: "required"})
	}

	address, err := s.wallet.GetAddress(c.Request().Context(), request.WalletIndex, chainID)
	if err != nil {
		return httpError(c, err)
	}

	relayer := &models.Relayer{
		ID:           uuid.New().String(),
		Name:         request.Name,
		ChainID:      chainID,
		Address:      types.NormalizeAddress(address.Hex()),
		WalletIndex:  request.WalletIndex,
		IsPrivateKey: true,
	}
	relayer.EIP1559Enabled = true
	if err := s.db.CreateRelayer(relayer); err != nil {
		return httpError(c, err)
	}
	if err := s.queues.StartQueue(c.Request().Context(), relayer); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, toRelayerResponse(relayer))
}

type cloneRelayerRequest struct {
	Name    string `json:"name" validate:"required"`
	ChainID uint64 `json:"chain_id" validate:"required"`
}

func (s *Server) handleCloneRelayer(c echo.Context) error {
	var request cloneRelayerRequest
	if err := c.Bind(&request); err != nil || request.Name == "" || request.ChainID == 0 {
		return httpError(c, &types.ValidationError{Field: "name/chain_id", Reason: "required"})
	}
	clone, err := s.db.CloneRelayer(c.Param("id"), request.ChainID, request.Name)
	if err != nil {
		return httpError(c, err)
	}
	if err := s.queues.StartQueue(c.Request().Context(), clone); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, toRelayerResponse(clone))
}

func (s *Server) handleListRelayers(c echo.Context) error {
	limit, offset := parsePaging(c)
	relayers, err := s.db.ListRelayers(nil, limit, offset)
	if err != nil {
		return httpError(c, err)
	}
	response := make([]relayerResponse, 0, len(relayers))
	for i := range relayers {
		response = append(response, toRelayerResponse(&relayers[i]))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) handleGetRelayer(c echo.Context) error {
	if err := authorizeRelayer(c, c.Param("id")); err != nil {
		return err
	}
	relayer, err := s.db.FindRelayerByID(c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, toRelayerResponse(relayer))
}

func (s *Server) setPaused(c echo.Context, paused bool) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	if err := s.db.SetRelayerPaused(relayerID, paused); err != nil {
		return httpError(c, err)
	}
	if relayer, err := s.db.FindRelayerByID(relayerID); err == nil {
		s.queues.RefreshRelayer(*relayer)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePauseRelayer(c echo.Context) error   { return s.setPaused(c, true) }
func (s *Server) handleUnpauseRelayer(c echo.Context) error { return s.setPaused(c, false) }

// handleSetMaxGasPrice sets the fee cap in wei; cap 0 clears it.
func (s *Server) handleSetMaxGasPrice(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	rawCap := c.Param("cap")
	var capValue *string
	if rawCap != "0" {
		parsed, err := types.ParseWeiValue(rawCap)
		if err != nil {
			return httpError(c, &types.ValidationError{Field: "cap", Reason: "must be a decimal wei value"})
		}
		formatted := parsed.String()
		capValue = &formatted
	}
	if err := s.db.SetRelayerMaxGasPrice(relayerID, capValue); err != nil {
		return httpError(c, err)
	}
	if relayer, err := s.db.FindRelayerByID(relayerID); err == nil {
		s.queues.RefreshRelayer(*relayer)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetEIP1559(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	enabled := c.Param("enabled") == "true"
	if err := s.db.SetRelayerEIP1559(relayerID, enabled); err != nil {
		return httpError(c, err)
	}
	if relayer, err := s.db.FindRelayerByID(relayerID); err == nil {
		s.queues.RefreshRelayer(*relayer)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleDeleteRelayer soft-deletes: the pipeline drains and historical
// transactions stay addressable.
func (s *Server) handleDeleteRelayer(c echo.Context) error {
	relayerID := c.Param("id")
	if err := s.db.SoftDeleteRelayer(relayerID); err != nil {
		return httpError(c, err)
	}
	s.queues.StopQueue(relayerID)
	return c.NoContent(http.StatusNoContent)
}

type allowlistRequest struct {
	Address string `json:"address" validate:"required"`
}

func (s *Server) handleAddAllowlist(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	var request allowlistRequest
	if err := c.Bind(&request); err != nil || request.Address == "" {
		return httpError(c, &types.ValidationError{Field: "address", Reason: "required"})
	}
	if err := s.db.AddAllowlistedAddress(relayerID, request.Address); err != nil {
		return httpError(c, err)
	}
	if relayer, err := s.db.FindRelayerByID(relayerID); err == nil {
		s.queues.RefreshRelayer(*relayer)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleRemoveAllowlist(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	if err := s.db.RemoveAllowlistedAddress(relayerID, c.Param("address")); err != nil {
		return httpError(c, err)
	}
	if relayer, err := s.db.FindRelayerByID(relayerID); err == nil {
		s.queues.RefreshRelayer(*relayer)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetAllowlist(c echo.Context) error {
	relayerID := c.Param("id")
	if err := authorizeRelayer(c, relayerID); err != nil {
		return err
	}
	addresses, err := s.db.GetAllowlistedAddresses(relayerID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"addresses": addresses})
}
