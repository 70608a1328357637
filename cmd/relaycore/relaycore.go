// SPDX-License-Identifier: ice License 1.0

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/nostrwire/relaycore/cfg"
	"github.com/nostrwire/relaycore/database/query"
	"github.com/nostrwire/relaycore/model"
	"github.com/nostrwire/relaycore/relay"
)

var (
	configPath string
	database   string
	relayID    string
	relayName  string
	relaycore  = &cobra.Command{
		Use:   "relaycore",
		Short: "relaycore",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			cfg.MustInit(configPath)
			db := query.MustConnect(database)
			defer db.Close()

			engine := relay.NewEngine(mustLoadRelay(ctx, db), db, nil)
			info := engine.Info()
			log.Printf("relay %q is up (nips %v), waiting for a transport to attach", relayID, info.SupportedNIPs)
			<-ctx.Done()
			engine.Shutdown()
		},
	}
	initFlags = func() {
		relaycore.Flags().StringVar(&configPath, "config", "", "path to the yaml configuration file")
		relaycore.Flags().StringVar(&database, "database", "relaycore.db", "sqlite target holding events and relay records")
		relaycore.Flags().StringVar(&relayID, "relay-id", "default", "id of the hosted relay to load or bootstrap")
		relaycore.Flags().StringVar(&relayName, "relay-name", "relaycore", "name used when bootstrapping a new relay record")
	}
)

func init() {
	initFlags()
}

// mustLoadRelay reloads the persisted relay record and its config blob,
// bootstrapping a fresh record with defaults on first start.
func mustLoadRelay(ctx context.Context, db *query.Client) *model.Relay {
	loaded, err := db.GetRelay(ctx, relayID)
	if err == nil {
		return loaded
	}
	if !errors.Is(err, query.ErrRelayNotFound) {
		log.Panic(errors.Wrapf(err, "failed to load relay %q", relayID))
	}

	loaded = &model.Relay{
		ID:     relayID,
		Name:   relayName,
		Active: true,
		Config: *relay.BootstrapPolicy(),
	}
	if err = db.SaveRelay(ctx, loaded); err != nil {
		log.Panic(errors.Wrapf(err, "failed to bootstrap relay %q", relayID))
	}

	return loaded
}

func main() {
	if err := relaycore.Execute(); err != nil {
		log.Panic(err)
	}
}
