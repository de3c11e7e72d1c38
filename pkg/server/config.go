package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cosmossdk.io/math"

	"github.com/tributelabs/tributary/pkg/vault"
)

// VaultService is the operation surface the HTTP layer exposes.
type VaultService interface {
	RecordContribution(ctx context.Context, sourceToken, key string, amount math.Int) (*vault.Benefactor, error)
	Convert(ctx context.Context, params vault.ConvertParams) (*vault.ConvertResult, error)
	DepositYield(ctx context.Context, sourceToken string, amount math.Int) (bool, error)
	Claim(ctx context.Context, key string) (math.Int, error)
	GetBenefactor(ctx context.Context, key string) (*vault.BenefactorView, error)
	GetVault(ctx context.Context) (*vault.VaultView, error)
	ListEvents(ctx context.Context, limit, offset int) ([]vault.Event, error)
	ListRounds(ctx context.Context, limit, offset int) ([]vault.Round, error)
	UpdateConfig(ctx context.Context, cfg vault.Config) error
	RegisterSource(ctx context.Context, name string) (string, error)
}

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger     *slog.Logger
	Service    VaultService
	ListenAddr string
	// AdminToken guards the /v1/admin routes. Empty disables them.
	AdminToken        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("vault service is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return nil
}
