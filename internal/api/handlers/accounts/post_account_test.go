package accounts_test

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basin-global/terroir/internal/api"
	"github.com/basin-global/terroir/internal/api/router"
	"github.com/basin-global/terroir/internal/config"
	"github.com/basin-global/terroir/internal/metrics"
	"github.com/basin-global/terroir/internal/tba"
)

type fakeAccountService struct {
	req     *tba.Request
	account *tba.Account
	err     error
}

func (f *fakeAccountService) Ensure(_ context.Context, req *tba.Request) (*tba.Account, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.account, nil
}

func newServer(svc tba.Service) *api.Server {
	s := &api.Server{
		Config: config.Server{
			Echo: config.EchoServer{HideInternalServerErrorDetails: true},
		},
		Metrics:  metrics.New(prometheus.NewRegistry()),
		TBA:      svc,
		Registry: prometheus.NewRegistry(),
	}
	router.Init(s)
	return s
}

func postJSON(s *api.Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func TestPostAccount(t *testing.T) {
	address := common.HexToAddress("0x5555555555555555555555555555555555555555")
	svc := &fakeAccountService{account: &tba.Account{Address: address, Deployed: true}}
	s := newServer(svc)

	rec := postJSON(s, `{
		"tokenContract": "0x3333333333333333333333333333333333333333",
		"tokenId": "42",
		"salt": "0x0000000000000000000000000000000000000000000000000000000000000007",
		"chainId": 10
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, address.Hex(), res["address"])
	assert.Equal(t, true, res["deployed"])

	require.NotNil(t, svc.req)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", svc.req.TokenContract)
	assert.Equal(t, big.NewInt(42), svc.req.TokenID)
	assert.Equal(t, int64(10), svc.req.ChainID)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000007", svc.req.Salt)
}

func TestPostAccountMalformedTokenID(t *testing.T) {
	svc := &fakeAccountService{}
	s := newServer(svc)

	rec := postJSON(s, `{"tokenContract":"0x33","tokenId":"forty-two"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	assert.Nil(t, svc.req)
}

func TestPostAccountDomainErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		code    int
		errType string
	}{
		{"invalid request", errors.Wrap(tba.ErrInvalidRequest, "bad token contract"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"deployment failed", errors.Wrap(tba.ErrDeploymentFailed, "reverted"), http.StatusBadGateway, "DEPLOYMENT_FAILED"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newServer(&fakeAccountService{err: tc.err})

			rec := postJSON(s, `{"tokenContract":"0x3333333333333333333333333333333333333333","tokenId":"1"}`)

			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.errType)
		})
	}
}
