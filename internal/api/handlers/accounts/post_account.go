package accounts

import (
	"math/big"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/basin-global/terroir/internal/api"
	"github.com/basin-global/terroir/internal/api/httperrors"
	"github.com/basin-global/terroir/internal/tba"
)

type postAccountRequest struct {
	TokenContract  string `json:"tokenContract"`
	TokenID        string `json:"tokenId"` // decimal
	Implementation string `json:"implementation,omitempty"`
	ChainID        int64  `json:"chainId,omitempty"`
	Salt           string `json:"salt,omitempty"`
}

type postAccountResponse struct {
	Address  string `json:"address"`
	Deployed bool   `json:"deployed"`
}

// PostAccount provisions the token bound account for a token, deploying it
// if it does not exist yet.
func PostAccount(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body postAccountRequest
		if err := c.Bind(&body); err != nil {
			return httperrors.New(http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
		}

		tokenID, ok := new(big.Int).SetString(body.TokenID, 10)
		if !ok {
			return httperrors.New(http.StatusBadRequest, "VALIDATION_ERROR", "tokenId must be a decimal integer")
		}

		account, err := s.TBA.Ensure(c.Request().Context(), &tba.Request{
			TokenContract:  body.TokenContract,
			TokenID:        tokenID,
			Implementation: body.Implementation,
			ChainID:        body.ChainID,
			Salt:           body.Salt,
		})
		if err != nil {
			return err
		}

		return c.JSON(http.StatusOK, postAccountResponse{
			Address:  account.Address.Hex(),
			Deployed: account.Deployed,
		})
	}
}
