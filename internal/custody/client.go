package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/config"
)

// Client talks to the MPC custody backend over HTTP. The backend returns a
// detached 65-byte signature over the transaction digest; the client
// assembles the signed transaction locally so that identical request content
// always yields the identical transaction hash.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Signer = (*Client)(nil)

func NewClient(cfg config.Custody) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// signPayload is the wire format of a signing request. The digest is included
// so the backend can sign without re-deriving it, but all fields are carried
// for policy evaluation on the custody side.
type signPayload struct {
	RequestID            string `json:"request_id"`
	ChainID              int64  `json:"chain_id"`
	From                 string `json:"from"`
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data,omitempty"`
	Nonce                uint64 `json:"nonce"`
	GasLimit             uint64 `json:"gas_limit"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	Digest               string `json:"digest"`
}

type signResult struct {
	Signature string `json:"signature"`
	Message   string `json:"message,omitempty"`
}

// Sign requests a signature for the transaction and assembles the signed
// payload. Transport failures and 429/5xx responses map to
// ErrSignerUnavailable, all other non-2xx responses to ErrSignerRejected.
func (c *Client) Sign(ctx context.Context, req *SigningRequest) (*SignedTransaction, error) {
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(req.ChainID),
		Nonce:     req.Nonce,
		GasTipCap: req.MaxPriorityFeePerGas,
		GasFeeCap: req.MaxFeePerGas,
		Gas:       req.GasLimit,
		To:        &req.To,
		Value:     req.Value,
		Data:      req.Data,
	})

	signer := types.LatestSignerForChainID(big.NewInt(req.ChainID))
	digest := signer.Hash(unsigned)

	requestID := uuid.NewString()
	payload := signPayload{
		RequestID:            requestID,
		ChainID:              req.ChainID,
		From:                 req.From.Hex(),
		To:                   req.To.Hex(),
		Value:                bigToDecimal(req.Value),
		Nonce:                req.Nonce,
		GasLimit:             req.GasLimit,
		MaxFeePerGas:         bigToDecimal(req.MaxFeePerGas),
		MaxPriorityFeePerGas: bigToDecimal(req.MaxPriorityFeePerGas),
		Digest:               digest.Hex(),
	}
	if len(req.Data) > 0 {
		payload.Data = hexutil.Encode(req.Data)
	}

	result, err := c.post(ctx, fmt.Sprintf("/v1/accounts/%s/sign", req.AccountRef), payload)
	if err != nil {
		return nil, err
	}

	sig, err := hexutil.Decode(result.Signature)
	if err != nil {
		return nil, errors.Wrapf(ErrSignerRejected, "custody backend returned malformed signature: %v", err)
	}
	if len(sig) != 65 {
		return nil, errors.Wrapf(ErrSignerRejected, "custody backend returned signature of %d bytes, want 65", len(sig))
	}

	signed, err := unsigned.WithSignature(signer, sig)
	if err != nil {
		return nil, errors.Wrapf(ErrSignerRejected, "signature does not fit transaction: %v", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal signed transaction")
	}

	log.Debug().
		Str("request_id", requestID).
		Str("account_ref", req.AccountRef).
		Uint64("nonce", req.Nonce).
		Str("tx_hash", signed.Hash().Hex()).
		Msg("Custody backend signed transaction")

	return &SignedTransaction{
		Raw:   raw,
		Hash:  signed.Hash(),
		From:  req.From,
		Nonce: req.Nonce,
	}, nil
}

// Healthy pings the custody backend health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return errors.Wrap(err, "failed to build health request")
	}
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrSignerUnavailable, "custody health check failed: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrSignerUnavailable, "custody health check returned status %d", res.StatusCode)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, payload signPayload) (*signResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal signing payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build signing request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		// The request may or may not have reached the backend; the caller
		// must reconcile against chain state before re-signing this nonce.
		return nil, errors.Wrapf(ErrSignerUnavailable, "custody request %s failed: %v", payload.RequestID, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrapf(ErrSignerUnavailable, "failed to read custody response: %v", err)
	}

	switch {
	case res.StatusCode == http.StatusOK:
		// parsed below
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, errors.Wrapf(ErrSignerUnavailable, "custody backend returned status %d: %s", res.StatusCode, rejectionMessage(resBody))
	default:
		return nil, errors.Wrapf(ErrSignerRejected, "custody backend returned status %d: %s", res.StatusCode, rejectionMessage(resBody))
	}

	var result signResult
	if err := json.Unmarshal(resBody, &result); err != nil {
		return nil, errors.Wrapf(ErrSignerRejected, "custody backend returned malformed response: %v", err)
	}

	return &result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func rejectionMessage(body []byte) string {
	var result signResult
	if err := json.Unmarshal(body, &result); err == nil && result.Message != "" {
		return result.Message
	}
	return string(body)
}

func bigToDecimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
