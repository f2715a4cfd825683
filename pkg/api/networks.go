package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaycore/relayer/pkg/db/models"
)

type networkResponse struct {
	ChainID  uint64   `json:"chain_id"`
	Name     string   `json:"name"`
	Disabled bool     `json:"disabled"`
	RPCUrls  []string `json:"rpc_urls"`
}

func toNetworkResponse(network *models.Network) networkResponse {
	urls := make([]string, 0, len(network.Nodes))
	for _, node := range network.Nodes {
		urls = append(urls, node.URL)
	}
	return networkResponse{
		ChainID:  network.ChainID,
		Name:     network.Name,
		Disabled: network.Disabled,
		RPCUrls:  urls,
	}
}

func (s *Server) listNetworks(c echo.Context, disabled *bool) error {
	networks, err := s.db.ListNetworks(disabled)
	if err != nil {
		return httpError(c, err)
	}
	response := make([]networkResponse, 0, len(networks))
	for i := range networks {
		response = append(response, toNetworkResponse(&networks[i]))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) handleListNetworks(c echo.Context) error {
	return s.listNetworks(c, nil)
}

func (s *Server) handleEnabledNetworks(c echo.Context) error {
	disabled := false
	return s.listNetworks(c, &disabled)
}

func (s *Server) handleDisabledNetworks(c echo.Context) error {
	disabled := true
	return s.listNetworks(c, &disabled)
}

func (s *Server) handleGetNetwork(c echo.Context) error {
	chainID, err := parseChainID(c)
	if err != nil {
		return httpError(c, err)
	}
	network, err := s.db.FindNetwork(chainID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, toNetworkResponse(network))
}

func (s *Server) setNetworkDisabled(c echo.Context, disabled bool) error {
	chainID, err := parseChainID(c)
	if err != nil {
		return httpError(c, err)
	}
	if err := s.db.SetNetworkDisabled(chainID, disabled); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEnableNetwork(c echo.Context) error {
	return s.setNetworkDisabled(c, false)
}

func (s *Server) handleDisableNetwork(c echo.Context) error {
	return s.setNetworkDisabled(c, true)
}

func (s *Server) handleGasPrice(c echo.Context) error {
	chainID, err := parseChainID(c)
	if err != nil {
		return httpError(c, err)
	}
	estimate, err := s.gasCache.GetGasPrice(c.Request().Context(), chainID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, estimate)
}
