// Package daemon wires the proxy together and owns its lifecycle: store,
// identity keys, log ingestion, challenge engine and the HTTP front start in
// dependency order and shut down cooperatively on cancellation.
package daemon

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/veriroute/veriroute/internal/challenge"
	"github.com/veriroute/veriroute/internal/config"
	"github.com/veriroute/veriroute/internal/consensus"
	"github.com/veriroute/veriroute/internal/cryptobox"
	"github.com/veriroute/veriroute/internal/ingest"
	"github.com/veriroute/veriroute/internal/proxy"
	"github.com/veriroute/veriroute/internal/routeset"
	"github.com/veriroute/veriroute/internal/store"
)

var log = logrus.WithField("prefix", "daemon")

// Daemon is the assembled process.
type Daemon struct {
	cfg      config.Settings
	db       *store.Store
	engine   *challenge.Engine
	ingestor *ingest.Ingestor
	server   *proxy.Server
}

// New validates configuration and builds every component. Returns an error
// (rather than exiting) so the CLI can map failures to exit codes.
func New(cfg config.Settings) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	priv, err := identityKey(db)
	if err != nil {
		return nil, err
	}

	validator := routeset.NewValidator(priv)
	engine := challenge.New(challenge.Config{
		Fanout:  cfg.Fanout,
		Timeout: cfg.ChallengeTimeout,
		Drain:   cfg.DrainTimeout,
	}, db, priv)

	fetcher := consensus.NewMirrorClient(cfg.MirrorURL)
	ingestor := ingest.New(ingest.Config{
		Topic:        cfg.TopicID,
		PollInterval: cfg.PollInterval,
		ChunkTTL:     cfg.ChunkTTL,
	}, fetcher, db, validator, engine)

	server := proxy.New(proxy.Config{
		ListenAddr:     fmt.Sprintf(":%d", cfg.Port),
		DefaultBackend: cfg.DefaultBackend,
		TopicID:        cfg.TopicID,
		Network:        cfg.Network,
	}, db)

	return &Daemon{cfg: cfg, db: db, engine: engine, ingestor: ingestor, server: server}, nil
}

// identityKey loads the persisted RSA pair, generating and storing a fresh
// one on first start. The public PEM is what /status advertises and what
// provers encrypt announcements to.
func identityKey(db *store.Store) (*rsa.PrivateKey, error) {
	if keys := db.GetRSAKeys(); keys != nil {
		priv, err := cryptobox.DecodePrivatePEM(keys.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "stored private key")
		}
		return priv, nil
	}
	log.Info("Generating RSA identity key pair")
	priv, err := cryptobox.GenerateRSAKey()
	if err != nil {
		return nil, err
	}
	privPEM, err := cryptobox.EncodePrivatePEM(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := cryptobox.EncodePublicPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := db.SetRSAKeys(pubPEM, privPEM); err != nil {
		return nil, err
	}
	return priv, nil
}

// Run blocks until ctx is cancelled or a component fails, then flushes the
// store after everything has drained.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Run(ctx) })
	g.Go(func() error { return d.engine.Run(ctx) })
	g.Go(func() error { return d.ingestor.Run(ctx) })

	err := g.Wait()
	if flushErr := d.db.Flush(); flushErr != nil {
		log.WithError(flushErr).Error("Final store flush failed")
	}
	if errors.Is(err, context.Canceled) {
		log.Info("Shutdown complete")
		return context.Canceled
	}
	return err
}
