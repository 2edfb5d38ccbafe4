package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// ModuleName is the name of this service as reported in logs and CLI help.
const ModuleName = "terroir"

// Server holds the full, read-only service configuration. It is assembled
// once at process start via DefaultServiceConfigFromEnv.
type Server struct {
	Chain   Chain
	Custody Custody
	TBA     TBA
	Retry   Retry
	Echo    EchoServer
	Logger  Logger
}

// Chain configures the target chain and the RPC endpoints used to reach it.
type Chain struct {
	ChainID             int64
	RPCURLs             []string // ordered failover list
	ReceiptPollInterval time.Duration
	ReceiptPollTimeout  time.Duration
	DefaultGasLimit     uint64
	GasLimitCap         uint64
}

// Custody configures the external MPC signing backend.
type Custody struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// TBA configures token bound account provisioning.
type TBA struct {
	RegistryAddress       string // ERC-6551 registry (deployment factory)
	DefaultImplementation string
	DefaultSalt           string // 32-byte hex, defaults to the zero salt
	DeployerAddress       string // custody-held account paying for deployments
}

// Retry bounds the signing and submission retry loops.
type Retry struct {
	MaxSignAttempts   int
	MaxSubmitAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

type EchoServer struct {
	ListenAddress                  string
	HideInternalServerErrorDetails bool
}

type Logger struct {
	Level              string
	PrettyPrintConsole bool
}

// DefaultServiceConfigFromEnv returns the server config as parsed from the
// environment.
func DefaultServiceConfigFromEnv() Server {
	// optional local overrides, ignored when the file is absent
	_ = gotenv.Load(".env.local")

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("TERROIR_CHAIN_ID", int64(8453)) // Base
	v.SetDefault("TERROIR_CHAIN_RPC_URLS", "http://localhost:8545")
	v.SetDefault("TERROIR_RECEIPT_POLL_INTERVAL", 2*time.Second)
	v.SetDefault("TERROIR_RECEIPT_POLL_TIMEOUT", 90*time.Second)
	v.SetDefault("TERROIR_DEFAULT_GAS_LIMIT", uint64(21000))
	v.SetDefault("TERROIR_GAS_LIMIT_CAP", uint64(2000000))

	v.SetDefault("TERROIR_CUSTODY_BASE_URL", "http://localhost:9000")
	v.SetDefault("TERROIR_CUSTODY_API_KEY", "")
	v.SetDefault("TERROIR_CUSTODY_REQUEST_TIMEOUT", 30*time.Second)

	v.SetDefault("TERROIR_TBA_REGISTRY_ADDRESS", "0x000000006551c19487814612e58FE06813775758")
	v.SetDefault("TERROIR_TBA_DEFAULT_IMPLEMENTATION", "")
	v.SetDefault("TERROIR_TBA_DEFAULT_SALT", "0x0000000000000000000000000000000000000000000000000000000000000000")
	v.SetDefault("TERROIR_TBA_DEPLOYER_ADDRESS", "")

	v.SetDefault("TERROIR_RETRY_MAX_SIGN_ATTEMPTS", 3)
	v.SetDefault("TERROIR_RETRY_MAX_SUBMIT_ATTEMPTS", 3)
	v.SetDefault("TERROIR_RETRY_BACKOFF_BASE", 500*time.Millisecond)
	v.SetDefault("TERROIR_RETRY_BACKOFF_MAX", 15*time.Second)

	v.SetDefault("TERROIR_SERVER_LISTEN_ADDRESS", ":8080")
	v.SetDefault("TERROIR_SERVER_HIDE_INTERNAL_ERROR_DETAILS", true)
	v.SetDefault("TERROIR_LOGGER_LEVEL", "info")
	v.SetDefault("TERROIR_LOGGER_PRETTY_PRINT_CONSOLE", false)

	return Server{
		Chain: Chain{
			ChainID:             v.GetInt64("TERROIR_CHAIN_ID"),
			RPCURLs:             splitURLs(v.GetString("TERROIR_CHAIN_RPC_URLS")),
			ReceiptPollInterval: v.GetDuration("TERROIR_RECEIPT_POLL_INTERVAL"),
			ReceiptPollTimeout:  v.GetDuration("TERROIR_RECEIPT_POLL_TIMEOUT"),
			DefaultGasLimit:     v.GetUint64("TERROIR_DEFAULT_GAS_LIMIT"),
			GasLimitCap:         v.GetUint64("TERROIR_GAS_LIMIT_CAP"),
		},
		Custody: Custody{
			BaseURL:        v.GetString("TERROIR_CUSTODY_BASE_URL"),
			APIKey:         v.GetString("TERROIR_CUSTODY_API_KEY"),
			RequestTimeout: v.GetDuration("TERROIR_CUSTODY_REQUEST_TIMEOUT"),
		},
		TBA: TBA{
			RegistryAddress:       v.GetString("TERROIR_TBA_REGISTRY_ADDRESS"),
			DefaultImplementation: v.GetString("TERROIR_TBA_DEFAULT_IMPLEMENTATION"),
			DefaultSalt:           v.GetString("TERROIR_TBA_DEFAULT_SALT"),
			DeployerAddress:       v.GetString("TERROIR_TBA_DEPLOYER_ADDRESS"),
		},
		Retry: Retry{
			MaxSignAttempts:   v.GetInt("TERROIR_RETRY_MAX_SIGN_ATTEMPTS"),
			MaxSubmitAttempts: v.GetInt("TERROIR_RETRY_MAX_SUBMIT_ATTEMPTS"),
			BackoffBase:       v.GetDuration("TERROIR_RETRY_BACKOFF_BASE"),
			BackoffMax:        v.GetDuration("TERROIR_RETRY_BACKOFF_MAX"),
		},
		Echo: EchoServer{
			ListenAddress:                  v.GetString("TERROIR_SERVER_LISTEN_ADDRESS"),
			HideInternalServerErrorDetails: v.GetBool("TERROIR_SERVER_HIDE_INTERNAL_ERROR_DETAILS"),
		},
		Logger: Logger{
			Level:              v.GetString("TERROIR_LOGGER_LEVEL"),
			PrettyPrintConsole: v.GetBool("TERROIR_LOGGER_PRETTY_PRINT_CONSOLE"),
		},
	}
}

// splitURLs parses a comma-separated RPC URL list.
func splitURLs(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			urls = append(urls, p)
		}
	}

	return urls
}
