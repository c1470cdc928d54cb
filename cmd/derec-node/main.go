package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ruteri/derec-engine/cmd/flags"
	"github.com/ruteri/derec-engine/common"
	"github.com/ruteri/derec-engine/cryptoutils"
	"github.com/ruteri/derec-engine/engine"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/metrics"
	"github.com/ruteri/derec-engine/notification"
	"github.com/ruteri/derec-engine/transport"
	"github.com/urfave/cli/v2"
)

var nodeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for protocol messages",
	},
	&cli.StringFlag{
		Name:     "advertise-uri",
		Required: true,
		Usage:    "URI peers post messages to, e.g. http://node:8080/derec or srv+http://_derec._tcp.node/derec",
	},
	&cli.StringFlag{
		Name:  "role",
		Value: "helper",
		Usage: "roles to run: 'sharer', 'helper' or 'both'",
	},
	&cli.StringFlag{
		Name:     "name",
		Required: true,
		Usage:    "name shown to peers",
	},
	&cli.StringFlag{
		Name:  "contact",
		Usage: "contact information shown to peers",
	},
	&cli.StringFlag{
		Name:  "key-dir",
		Value: ".",
		Usage: "directory holding role key files and generated contact cards",
	},
	&cli.StringSliceFlag{
		Name:  "helper-card",
		Usage: "contact card of a helper (repeatable)",
	},
	&cli.StringFlag{
		Name:  "secret-file",
		Usage: "file whose content the sharer protects as a new secret at startup",
	},
	&cli.StringFlag{
		Name:  "description",
		Value: "secret",
		Usage: "description of the secret created from --secret-file",
	},
	&cli.BoolFlag{
		Name:  "recover",
		Usage: "start recovering secrets from the helpers given with --helper-card",
	},
	&cli.IntFlag{
		Name:  "min-helpers-for-recovery",
		Value: 2,
		Usage: "minimum number of helpers whose shares recover a secret",
	},
	&cli.IntFlag{
		Name:  "min-helpers-for-sending-shares",
		Value: 2,
		Usage: "minimum number of shares before a version can be protected",
	},
	&cli.DurationFlag{
		Name:  "tick-interval",
		Value: time.Second,
		Usage: "period of share distribution and verification",
	},
	&cli.DurationFlag{
		Name:  "send-timeout",
		Value: 5 * time.Second,
		Usage: "timeout of an outbound message",
	},
	&cli.StringFlag{
		Name:  "dns-nameserver",
		Value: transport.DefaultNameserver,
		Usage: "nameserver used to resolve srv+ peer addresses",
	},
	flags.LogServiceFlagFn("derec-node"),
}

func main() {
	app := &cli.App{
		Name:  "derec-node",
		Usage: "Run a DeRec sharer and/or helper node",
		Flags: append(nodeFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			advertiseURI := cCtx.String("advertise-uri")
			role := cCtx.String("role")
			keyDir := cCtx.String("key-dir")

			runSharer := role == "sharer" || role == "both"
			runHelper := role == "helper" || role == "both"
			if !runSharer && !runHelper {
				return fmt.Errorf("invalid role: %s", role)
			}

			logger := flags.SetupLogger(cCtx)
			cp := cryptoutils.NewProvider()

			cfg := engine.DefaultConfig()
			cfg.TickInterval = cCtx.Duration("tick-interval")
			cfg.SendTimeout = cCtx.Duration("send-timeout")
			cfg.Sharer.MinHelpersForRecovery = cCtx.Int("min-helpers-for-recovery")
			cfg.Sharer.MinHelpersForSendingShares = cCtx.Int("min-helpers-for-sending-shares")

			params := engine.Params{
				Log:    logger,
				Config: cfg,
				Crypto: cp,
				Notify: logNotifications(logger),
			}
			if runSharer {
				lib, err := roleIdentity(cCtx, logger, cp, keyDir, "sharer", advertiseURI)
				if err != nil {
					return err
				}
				params.SharerIdentity = lib
			}
			if runHelper {
				lib, err := roleIdentity(cCtx, logger, cp, keyDir, "helper", advertiseURI)
				if err != nil {
					return err
				}
				params.HelperIdentity = lib
			}

			resolver := transport.NewSRVResolver(cCtx.String("dns-nameserver"), cfg.SendTimeout)
			params.Transport = transport.NewHTTPTransport(logger, cfg.SendTimeout, resolver)

			metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}
			params.Metrics = metricsSrv.Collectors

			node, err := engine.New(params)
			if err != nil {
				logger.Error("Failed to create engine", "err", err)
				return err
			}

			var status transport.StatusFunc
			if runSharer {
				status = func(ctx context.Context, id interfaces.SecretID) (any, error) {
					return node.SecretStatus(ctx, id)
				}
			}
			server, err := transport.NewServer(flags.ConfigureServer(cCtx, logger, listenAddr), node.HandleInboundBytes, status)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			node.Start()
			server.RunInBackground()
			go func() {
				logger.Info("Starting metrics server", "listenAddress", cCtx.String(flags.MetricsAddrFlag.Name))
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server failed", "err", err)
				}
			}()

			if runSharer {
				if err := startSharerWork(cCtx, logger, cp, node); err != nil {
					return err
				}
			}

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Node is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := node.Stop(ctx); err != nil {
				logger.Error("Engine shutdown incomplete", "err", err)
			}
			if err := metricsSrv.Shutdown(ctx); err != nil {
				logger.Error("Metrics server shutdown failed", "err", err)
			}
			logger.Info("Node shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// roleIdentity loads the role's keys and writes its contact card next to them.
func roleIdentity(cCtx *cli.Context, logger *slog.Logger, cp interfaces.CryptoProvider, keyDir, role, address string) (*identity.LibIdentity, error) {
	keyPath := filepath.Join(keyDir, role+".key.json")
	lib, created, err := loadOrCreateIdentity(cp, keyPath, cCtx.String("name"), cCtx.String("contact"), address)
	if err != nil {
		logger.Error("Failed to load identity", "role", role, "err", err)
		return nil, err
	}
	if created {
		logger.Info("Generated new identity", "role", role, "keyFile", keyPath)
	}

	cardPath := filepath.Join(keyDir, role+".card.json")
	if err := writeCard(cardPath, lib.Identity); err != nil {
		return nil, err
	}
	logger.Info("Contact card written", "role", role, "card", cardPath, "keyDigest", lib.EncryptionKeyDigest.String())
	return lib, nil
}

func startSharerWork(cCtx *cli.Context, logger *slog.Logger, cp interfaces.CryptoProvider, node *engine.Engine) error {
	cards := cCtx.StringSlice("helper-card")
	if len(cards) == 0 {
		return nil
	}
	helpers, err := readCards(cp, cards)
	if err != nil {
		logger.Error("Failed to read helper cards", "err", err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cCtx.Bool("recover") {
		placeholder, err := node.StartRecovery(ctx, helpers)
		if err != nil {
			logger.Error("Failed to start recovery", "err", err)
			return err
		}
		logger.Info("Recovery started", "placeholder", placeholder.String(), "helpers", len(helpers))
		return nil
	}

	secretFile := cCtx.String("secret-file")
	if secretFile == "" {
		return errors.New("--helper-card needs --secret-file or --recover")
	}
	payload, err := os.ReadFile(secretFile)
	if err != nil {
		return err
	}
	id, err := node.CreateSecret(ctx, cCtx.String("description"), helpers, payload)
	if err != nil {
		logger.Error("Failed to create secret", "err", err)
		return err
	}
	logger.Info("Secret created", "secretID", id.String(), "helpers", len(helpers))
	return nil
}

// logNotifications logs every event and accepts it.
func logNotifications(logger *slog.Logger) notification.Listener {
	return func(ev notification.Event) notification.Response {
		args := []any{"type", ev.Type.String(), "secretID", ev.SecretID.String()}
		if ev.Version != 0 {
			args = append(args, "version", ev.Version)
		}
		if ev.Peer != nil {
			args = append(args, "peer", ev.Peer.String())
		}
		if ev.Message != "" {
			args = append(args, "message", ev.Message)
		}
		logger.Info("notification", args...)
		return notification.AcceptAll(ev)
	}
}
