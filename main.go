package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/dispute"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/division"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/evidence"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/keylock"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/ledger"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/match"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/notify"
	"github.com/samber/do/v2"

	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

type StandoffService struct {
	Logger      *slog.Logger        `do:""`
	EchoService *common.EchoService `do:""`

	LedgerService     *ledger.LedgerService     `do:""`
	EvidenceService   *evidence.EvidenceService `do:""`
	MatchService      *match.MatchService       `do:""`
	ResolverService   *dispute.ResolverService  `do:""`
	DispatcherService *notify.DispatcherService `do:""`
}

func policy(cmd *cli.Command) division.Policy {
	return division.Policy{
		SilverMax:           cmd.Int64("silver-max"),
		GoldMax:             cmd.Int64("gold-max"),
		DefaultBounty:       cmd.Int64("default-bounty"),
		CancelPenalty:       cmd.Int64("cancel-penalty"),
		ProtectionThreshold: cmd.Int("protection-threshold"),
		CoinPrices: map[division.Tier]int64{
			division.TierSilver:  cmd.Int64("silver-coin-price"),
			division.TierGold:    cmd.Int64("gold-coin-price"),
			division.TierDiamond: cmd.Int64("diamond-coin-price"),
		},
	}
}

//nolint:funlen
func runServer(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	i := do.New()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "log-level", cmd.String("log-level"))
	do.ProvideNamedValue(i, "gateway-token", cmd.String("gateway-token"))

	do.ProvideNamedValue(i, "division-policy", policy(cmd))
	do.ProvideNamedValue(i, "lock-wait", cmd.Duration("lock-wait"))
	do.ProvideNamedValue(i, "challenge-locks", keylock.New(cmd.Duration("lock-wait")))

	do.ProvideNamedValue(i, "challenge-ttl", cmd.Duration("challenge-ttl"))
	do.ProvideNamedValue(i, "dispute-window", cmd.Duration("dispute-window"))
	do.ProvideNamedValue(i, "expire-interval", cmd.Duration("expire-interval"))
	do.ProvideNamedValue(i, "reconcile-interval", cmd.Duration("reconcile-interval"))
	do.ProvideNamedValue(i, "outbox-interval", cmd.Duration("outbox-interval"))

	do.ProvideNamedValue(i, "s3-bucket", cmd.String("s3-bucket"))
	do.ProvideNamedValue(i, "s3-endpoint", cmd.String("s3-endpoint"))
	do.ProvideNamedValue(i, "s3-region", cmd.String("s3-region"))
	do.ProvideNamedValue(i, "s3-access-key-id", cmd.String("s3-access-key-id"))
	do.ProvideNamedValue(i, "s3-secret-access-key", cmd.String("s3-secret-access-key"))

	do.ProvideNamedValue(i, "webhook-url", cmd.String("webhook-url"))

	do.Provide(i, common.NewLogger)
	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewEchoService)

	do.Provide(i, challenge.NewRepository)
	do.Provide(i, ledger.NewLedgerService)
	do.Provide(i, notify.NewOutbox)
	do.Provide(i, notify.NewGateway)
	do.Provide(i, notify.NewDispatcherService)
	do.Provide(i, evidence.NewEvidenceService)
	do.Provide(i, match.NewMatchService)
	do.Provide(i, dispute.NewResolverService)

	do.Provide(i, do.InvokeStruct[StandoffService])

	standoffService, err := do.Invoke[StandoffService](i)
	if err != nil {
		return fmt.Errorf("failed to create standoff service: %w", err)
	}

	logger := standoffService.Logger

	err = standoffService.DispatcherService.Start()
	if err != nil {
		return fmt.Errorf("failed to start outbox dispatcher: %w", err)
	}

	err = standoffService.MatchService.Start()
	if err != nil {
		return fmt.Errorf("failed to start match scheduler: %w", err)
	}

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- standoffService.EchoService.Start()
	}()

	select {
	case err = <-serverErr:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	report := i.ShutdownWithContext(shutdownCtx)
	if report != nil && !report.Succeed {
		logger.Error("shutdown incomplete", "report", report)
	}

	return err
}

//nolint:funlen
func main() {
	_ = godotenv.Load()

	//nolint:exhaustruct
	cmd := &cli.Command{
		Name: "standoff",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("STANDOFF_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./standoff/data",
						Sources: cli.EnvVars("STANDOFF_DATA_DIR"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Value:   "info",
						Sources: cli.EnvVars("STANDOFF_LOG_LEVEL"),
					},
					&cli.StringFlag{
						Name:    "gateway-token",
						Sources: cli.EnvVars("STANDOFF_GATEWAY_TOKEN"),
					},
					&cli.DurationFlag{
						Name:    "lock-wait",
						Value:   keylock.DefaultWait,
						Sources: cli.EnvVars("STANDOFF_LOCK_WAIT"),
					},
					&cli.Int64Flag{
						Name:    "silver-max",
						Value:   division.DefaultSilverMax,
						Sources: cli.EnvVars("STANDOFF_SILVER_MAX"),
					},
					&cli.Int64Flag{
						Name:    "gold-max",
						Value:   division.DefaultGoldMax,
						Sources: cli.EnvVars("STANDOFF_GOLD_MAX"),
					},
					&cli.Int64Flag{
						Name:    "default-bounty",
						Value:   division.DefaultBounty,
						Sources: cli.EnvVars("STANDOFF_DEFAULT_BOUNTY"),
					},
					&cli.Int64Flag{
						Name:    "cancel-penalty",
						Value:   division.DefaultCancelPenalty,
						Sources: cli.EnvVars("STANDOFF_CANCEL_PENALTY"),
					},
					&cli.IntFlag{
						Name:    "protection-threshold",
						Value:   division.DefaultProtectionThreshold,
						Sources: cli.EnvVars("STANDOFF_PROTECTION_THRESHOLD"),
					},
					&cli.Int64Flag{
						Name:    "silver-coin-price",
						Value:   100, //nolint:mnd
						Sources: cli.EnvVars("STANDOFF_SILVER_COIN_PRICE"),
					},
					&cli.Int64Flag{
						Name:    "gold-coin-price",
						Value:   90, //nolint:mnd
						Sources: cli.EnvVars("STANDOFF_GOLD_COIN_PRICE"),
					},
					&cli.Int64Flag{
						Name:    "diamond-coin-price",
						Value:   80, //nolint:mnd
						Sources: cli.EnvVars("STANDOFF_DIAMOND_COIN_PRICE"),
					},
					&cli.DurationFlag{
						Name:    "challenge-ttl",
						Value:   match.DefaultChallengeTTL,
						Sources: cli.EnvVars("STANDOFF_CHALLENGE_TTL"),
					},
					&cli.DurationFlag{
						Name:    "dispute-window",
						Value:   match.DefaultDisputeWindow,
						Sources: cli.EnvVars("STANDOFF_DISPUTE_WINDOW"),
					},
					&cli.DurationFlag{
						Name:    "expire-interval",
						Value:   time.Minute,
						Sources: cli.EnvVars("STANDOFF_EXPIRE_INTERVAL"),
					},
					&cli.DurationFlag{
						Name:    "reconcile-interval",
						Value:   time.Hour,
						Sources: cli.EnvVars("STANDOFF_RECONCILE_INTERVAL"),
					},
					&cli.DurationFlag{
						Name:    "outbox-interval",
						Value:   5 * time.Second, //nolint:mnd
						Sources: cli.EnvVars("STANDOFF_OUTBOX_INTERVAL"),
					},
					&cli.StringFlag{
						Name:    "s3-bucket",
						Sources: cli.EnvVars("STANDOFF_S3_BUCKET"),
					},
					&cli.StringFlag{
						Name:    "s3-endpoint",
						Sources: cli.EnvVars("STANDOFF_S3_ENDPOINT"),
					},
					&cli.StringFlag{
						Name:    "s3-region",
						Value:   "auto",
						Sources: cli.EnvVars("STANDOFF_S3_REGION"),
					},
					&cli.StringFlag{
						Name:    "s3-access-key-id",
						Sources: cli.EnvVars("STANDOFF_S3_ACCESS_KEY_ID"),
					},
					&cli.StringFlag{
						Name:    "s3-secret-access-key",
						Sources: cli.EnvVars("STANDOFF_S3_SECRET_ACCESS_KEY"),
					},
					&cli.StringFlag{
						Name:    "webhook-url",
						Sources: cli.EnvVars("STANDOFF_WEBHOOK_URL"),
					},
				},
				Action: runServer,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
