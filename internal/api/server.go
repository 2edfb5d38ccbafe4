package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/basin-global/terroir/internal/chain"
	"github.com/basin-global/terroir/internal/config"
	"github.com/basin-global/terroir/internal/custody"
	"github.com/basin-global/terroir/internal/metrics"
	"github.com/basin-global/terroir/internal/tba"
	"github.com/basin-global/terroir/internal/txn"
	"github.com/basin-global/terroir/internal/txn/broadcast"
	"github.com/basin-global/terroir/internal/txn/noncer"
)

// TransactionService is the write path exposed over HTTP.
type TransactionService = txn.Service

// AccountService provisions token bound accounts.
type AccountService = tba.Service

// Server keeps all the service dependencies. Every component is constructed
// and injected explicitly; nothing lives in package-level state, so multiple
// servers can coexist in one process (tests rely on this).
type Server struct {
	Config config.Server

	// initialized by router.Init
	Echo *echo.Echo

	Chain   chain.Client
	Custody custody.Signer
	Metrics *metrics.Service
	Txn     TransactionService
	TBA     AccountService

	// Registry receives the HTTP middleware collectors. Tests inject a
	// fresh registry per server to keep instances isolated.
	Registry prometheus.Registerer

	rpc *chain.RPCClient
}

// NewServer wires all components from configuration.
func NewServer(cfg config.Server) (*Server, error) {
	rpc, err := chain.NewRPCClient(cfg.Chain.RPCURLs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chain RPC client")
	}

	signer := custody.NewClient(cfg.Custody)
	m := metrics.New(prometheus.DefaultRegisterer)

	sequencer := noncer.NewSequencer(rpc)
	broadcaster := broadcast.NewManager(rpc, cfg.Chain.ReceiptPollInterval, cfg.Chain.ReceiptPollTimeout)
	txnService := txn.NewService(cfg, rpc, signer, sequencer, broadcaster, m)

	tbaService, err := tba.NewService(cfg, rpc, txnService, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create provisioning service")
	}

	return &Server{
		Config:   cfg,
		Chain:    rpc,
		Custody:  signer,
		Metrics:  m,
		Txn:      txnService,
		TBA:      tbaService,
		Registry: prometheus.DefaultRegisterer,
		rpc:      rpc,
	}, nil
}

// Ready reports whether all components are initialized.
func (s *Server) Ready() bool {
	return s.Echo != nil &&
		s.Chain != nil &&
		s.Custody != nil &&
		s.Metrics != nil &&
		s.Txn != nil &&
		s.TBA != nil
}

func (s *Server) Start() error {
	if !s.Ready() {
		return errors.New("server is not ready")
	}

	if err := s.Echo.Start(s.Config.Echo.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to start echo server")
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	if s.rpc != nil {
		defer s.rpc.Close()
	}

	if s.Echo != nil {
		return s.Echo.Shutdown(ctx)
	}

	return nil
}
