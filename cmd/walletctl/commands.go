package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/nonce"
	"github.com/vultisig/txrelay/internal/signer"
	"github.com/vultisig/txrelay/internal/types"
	"github.com/vultisig/txrelay/service"
	"github.com/vultisig/txrelay/storage"
	"github.com/vultisig/txrelay/storage/postgres"
)

// env is what every command needs: the config and an open wallet store.
type env struct {
	cfg     *config.Config
	wallets storage.WalletStore
	signers *signer.Factory
	close   func()
}

func openEnv(cctx *cli.Context) (*env, error) {
	cfg, err := config.ReadConfig(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	db, err := postgres.NewPostgresBackend(cctx.Context, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &env{
		cfg:     cfg,
		wallets: db,
		signers: newFactory(cfg, db),
		close:   func() { _ = db.Close() },
	}, nil
}

func newFactory(cfg *config.Config, wallets signer.WalletSource) *signer.Factory {
	return signer.NewFactory(signer.FactoryConfig{
		Passphrase:         cfg.Encryption.Password,
		AWSRegion:          cfg.AWS.Region,
		AWSAccessKeyID:     cfg.AWS.AccessKeyID,
		AWSSecretAccessKey: cfg.AWS.SecretAccessKey,
		GCPCredentialsFile: cfg.GCP.CredentialsFile,
	}, wallets, logger)
}

func withEnv(fn func(cctx *cli.Context, e *env) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		e, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cctx, e)
	}
}

// registerWallet resolves the signer of details, fills in its address when the
// backend derives it, and stores the wallet.
func registerWallet(ctx context.Context, wallets storage.WalletStore, signers *signer.Factory, details types.WalletDetails) (*types.WalletDetails, error) {
	s, err := signers.FromDetails(ctx, details)
	if err != nil {
		return nil, fmt.Errorf("fail to build signer: %w", err)
	}
	details.Address = types.NormalizeAddress(s.Address().Hex())
	details.CreatedAt = time.Now().UTC()
	if err := wallets.CreateWalletDetails(ctx, details); err != nil {
		return nil, fmt.Errorf("fail to store wallet: %w", err)
	}
	return &details, nil
}

// importKey encrypts a hex private key and registers it as a local wallet.
func importKey(ctx context.Context, wallets storage.WalletStore, signers *signer.Factory, passphrase, hexKey, label string) (*types.WalletDetails, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: encryption.password is not configured", types.ErrValidation)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", types.ErrValidation)
	}
	encrypted, err := signer.EncryptPrivateKey(key, passphrase)
	if err != nil {
		return nil, fmt.Errorf("fail to encrypt key: %w", err)
	}
	return registerWallet(ctx, wallets, signers, types.WalletDetails{
		Address:      crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Type:         types.WalletTypeLocal,
		Label:        label,
		EncryptedKey: &encrypted,
	})
}

func printJSON(cctx *cli.Context, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cctx.App.Writer, string(buf))
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var labelFlag = &cli.StringFlag{
	Name:  "label",
	Usage: "human readable wallet label",
}

var cmdImportKey = &cli.Command{
	Name:  "import-key",
	Usage: "register a local wallet from a hex private key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "key",
			Usage:    "hex encoded secp256k1 private key",
			EnvVars:  []string{"WALLET_PRIVATE_KEY"},
			Required: true,
		},
		labelFlag,
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		details, err := importKey(cctx.Context, e.wallets, e.signers, e.cfg.Encryption.Password, cctx.String("key"), cctx.String("label"))
		if err != nil {
			return err
		}
		return printJSON(cctx, details)
	}),
}

var cmdRegisterAWS = &cli.Command{
	Name:  "register-aws",
	Usage: "register a wallet backed by an AWS KMS key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "key-id", Usage: "KMS key id or ARN", Required: true},
		&cli.StringFlag{Name: "region", Usage: "KMS region, defaults to aws.region"},
		labelFlag,
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		keyID := cctx.String("key-id")
		details, err := registerWallet(cctx.Context, e.wallets, e.signers, types.WalletDetails{
			Type:         types.WalletTypeAWSKMS,
			Label:        cctx.String("label"),
			AWSKMSKeyID:  &keyID,
			AWSKMSRegion: optional(cctx.String("region")),
		})
		if err != nil {
			return err
		}
		return printJSON(cctx, details)
	}),
}

var cmdRegisterGCP = &cli.Command{
	Name:  "register-gcp",
	Usage: "register a wallet backed by a GCP KMS key version",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "resource", Usage: "projects/.../cryptoKeyVersions/N", Required: true},
		labelFlag,
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		resource := cctx.String("resource")
		details, err := registerWallet(cctx.Context, e.wallets, e.signers, types.WalletDetails{
			Type:               types.WalletTypeGCPKMS,
			Label:              cctx.String("label"),
			GCPKMSResourcePath: &resource,
		})
		if err != nil {
			return err
		}
		return printJSON(cctx, details)
	}),
}

var cmdRegisterSmartAccount = &cli.Command{
	Name:  "register-smart-account",
	Usage: "register a smart account driven by an already registered owner wallet",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "smart account address", Required: true},
		&cli.StringFlag{Name: "owner", Usage: "owner wallet address", Required: true},
		labelFlag,
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		owner := types.NormalizeAddress(cctx.String("owner"))
		details, err := registerWallet(cctx.Context, e.wallets, e.signers, types.WalletDetails{
			Address:      cctx.String("address"),
			Type:         types.WalletTypeSmartAccount,
			Label:        cctx.String("label"),
			OwnerAddress: &owner,
		})
		if err != nil {
			return err
		}
		return printJSON(cctx, details)
	}),
}

var cmdList = &cli.Command{
	Name:  "list",
	Usage: "list registered wallets and their nonce records",
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		wallets, err := e.wallets.ListWalletDetails(cctx.Context)
		if err != nil {
			return err
		}
		nonces, err := e.wallets.ListWalletNonces(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(cctx, map[string]interface{}{
			"wallets": wallets,
			"nonces":  nonces,
		})
	}),
}

var cmdResync = &cli.Command{
	Name:  "resync",
	Usage: "resync nonce records from chain, all of them unless --wallet and --chain are given",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "wallet", Usage: "nonce account address"},
		&cli.Int64Flag{Name: "chain", Usage: "chain id"},
	},
	Action: withEnv(func(cctx *cli.Context, e *env) error {
		chains, err := chain.NewRegistryFromConfig(cctx.Context, e.cfg.Chains)
		if err != nil {
			return err
		}
		nonces := nonce.NewManager(e.wallets, chains, logger)
		wallet := cctx.String("wallet")
		if wallet == "" {
			return nonces.ResyncAll(cctx.Context)
		}
		if !cctx.IsSet("chain") {
			return fmt.Errorf("--chain is required with --wallet")
		}
		rec, err := nonces.Resync(cctx.Context, types.NormalizeAddress(wallet), cctx.Int64("chain"))
		if err != nil {
			return err
		}
		return printJSON(cctx, rec)
	}),
}

var cmdToken = &cli.Command{
	Name:  "token",
	Usage: "issue an API token for a client",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "client", Usage: "client name stored as token subject", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.ReadConfig(cctx.String("config"))
		if err != nil {
			return err
		}
		if cfg.Server.JWTSecret == "" {
			return fmt.Errorf("server.jwt_secret is not configured")
		}
		token, err := service.NewAuthService(cfg.Server.JWTSecret).GenerateToken(cctx.String("client"))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cctx.App.Writer, token)
		return err
	},
}
