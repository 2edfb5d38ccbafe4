package transactions

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"

	"github.com/basin-global/terroir/internal/api"
	"github.com/basin-global/terroir/internal/api/httperrors"
	"github.com/basin-global/terroir/internal/txn"
)

type postTransactionRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value,omitempty"` // decimal wei
	Data     string `json:"data,omitempty"`  // 0x-prefixed hex
	GasLimit uint64 `json:"gasLimit,omitempty"`
}

type postTransactionResponse struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
	Nonce  uint64 `json:"nonce"`
	Reason string `json:"reason,omitempty"`
}

// PostTransaction signs and broadcasts a transaction, blocking until it
// reaches a terminal outcome.
func PostTransaction(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body postTransactionRequest
		if err := c.Bind(&body); err != nil {
			return httperrors.New(http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
		}

		req := &txn.Request{
			From:     body.From,
			To:       body.To,
			GasLimit: body.GasLimit,
		}

		if body.Value != "" {
			value, ok := new(big.Int).SetString(body.Value, 10)
			if !ok {
				return httperrors.New(http.StatusBadRequest, "VALIDATION_ERROR", "value must be a decimal wei amount")
			}
			req.Value = value
		}
		if body.Data != "" {
			data, err := hexutil.Decode(body.Data)
			if err != nil {
				return httperrors.New(http.StatusBadRequest, "VALIDATION_ERROR", "data must be 0x-prefixed hex")
			}
			req.Data = data
		}

		outcome, err := s.Txn.Send(c.Request().Context(), req)
		if err != nil {
			return err
		}

		return c.JSON(http.StatusOK, postTransactionResponse{
			TxHash: outcome.Hash.Hex(),
			Status: string(outcome.Status),
			Nonce:  outcome.Nonce,
			Reason: outcome.Reason,
		})
	}
}
