package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/key-custody-backend/cmd/flags"
	"github.com/ruteri/key-custody-backend/httpserver"
	"github.com/ruteri/key-custody-backend/identity"
	"github.com/ruteri/key-custody-backend/ledger"
	"github.com/urfave/cli/v2"
)

var CustodyServiceLogFlag = flags.LogServiceFlagFn("custody")

var MockLedgerListenAddrFlag = &cli.StringFlag{
	Name:  "ledger-listen-addr",
	Value: "127.0.0.1:8545",
	Usage: "address to serve the mock ledger JSON-RPC API on",
}

var (
	IssuerSeedFlag = &cli.StringFlag{
		Name:     "issuer-seed",
		Usage:    "hex-encoded 32 byte ed25519 seed of the token issuer",
		EnvVars:  []string{"CUSTODY_ISSUER_SEED"},
		Required: true,
	}
	SubjectFlag = &cli.StringFlag{
		Name:     "subject",
		Usage:    "identity the token is issued to",
		Required: true,
	}
	WalletFlag = &cli.StringFlag{
		Name:  "wallet",
		Usage: "restrict the token to one wallet id",
	}
	TokenTTLFlag = &cli.DurationFlag{
		Name:  "ttl",
		Value: time.Hour,
		Usage: "token lifetime",
	}
)

func main() {
	app := &cli.App{
		Name:  "custody-server",
		Usage: "Serve wallet signing key custody",
		Flags: append([]cli.Flag{CustodyServiceLogFlag}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the custody API and reconcile pending rotations in the background",
				Flags:  []cli.Flag{flags.ConfigFlag, flags.ListenAddrFlag},
				Action: runServe,
			},
			{
				Name:   "reconcile",
				Usage:  "settle stale pending rotations once and exit",
				Flags:  []cli.Flag{flags.ConfigFlag},
				Action: runReconcile,
			},
			{
				Name:   "issue-token",
				Usage:  "issue a caller token for development against a configured issuer key",
				Flags:  []cli.Flag{IssuerSeedFlag, SubjectFlag, WalletFlag, TokenTTLFlag},
				Action: runIssueToken,
			},
			{
				Name:   "mock-ledger",
				Usage:  "serve an in-memory ledger over JSON-RPC for local development",
				Flags:  []cli.Flag{MockLedgerListenAddrFlag},
				Action: runMockLedger,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}

	svc, err := bootstrap(cCtx.Context, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize custody services", "err", err)
		return err
	}
	defer svc.Close()

	serverCfg := flags.ConfigureServer(cCtx, logger, cfg)
	serverCfg.Dependencies = svc.dependencies()
	server, err := httpserver.New(serverCfg, httpserver.NewHandler(svc.provisioner, svc.signer, svc.rotator, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	reconcileCron, err := svc.reconciler.Schedule(cfg.Reconcile.Schedule)
	if err != nil {
		logger.Error("Failed to schedule reconciliation", "err", err)
		return err
	}
	defer func() { <-reconcileCron.Stop().Done() }()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Server is running, press Ctrl+C to stop")
	if err := server.Run(ctx); err != nil {
		logger.Error("Server failed", "err", err)
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}

func runReconcile(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}

	svc, err := bootstrap(cCtx.Context, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize custody services", "err", err)
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, cfg.Reconcile.StaleAfter)
	defer cancel()

	report, err := svc.reconciler.Run(ctx)
	if err != nil {
		logger.Error("Reconciliation failed", "err", err)
		return err
	}

	fmt.Fprintf(cCtx.App.Writer, "promoted=%d discarded=%d skipped=%d\n",
		len(report.Promoted), len(report.Discarded), len(report.Skipped))
	return nil
}

func runIssueToken(cCtx *cli.Context) error {
	seed, err := hex.DecodeString(cCtx.String(IssuerSeedFlag.Name))
	if err != nil || len(seed) != ed25519.SeedSize {
		return fmt.Errorf("issuer seed must be %d hex-encoded bytes", ed25519.SeedSize)
	}

	token, err := identity.IssueToken(ed25519.NewKeyFromSeed(seed), cCtx.String(SubjectFlag.Name), cCtx.String(WalletFlag.Name), cCtx.Duration(TokenTTLFlag.Name))
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, token)
	return nil
}

func runMockLedger(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	listenAddr := cCtx.String(MockLedgerListenAddrFlag.Name)

	rpcServer, err := ledger.NewRPCServer(ledger.NewMockLedger())
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           rpcServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Warn("Serving in-memory mock ledger", "listenAddress", listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Mock ledger server failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
