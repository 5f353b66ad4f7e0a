// The evemaild command runs the EveMail bridge: it serves an EVE
// Online character's in-game mail to ordinary mail clients over IMAP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/OrbitalEnterprises/evemail/internal/cache"
	"github.com/OrbitalEnterprises/evemail/internal/config"
	"github.com/OrbitalEnterprises/evemail/internal/esi"
	"github.com/OrbitalEnterprises/evemail/internal/imapbridge"
	"github.com/OrbitalEnterprises/evemail/internal/mailbox"
	"github.com/OrbitalEnterprises/evemail/internal/persist"
	"github.com/OrbitalEnterprises/evemail/internal/sync"
	"github.com/OrbitalEnterprises/evemail/internal/token"
	"github.com/OrbitalEnterprises/evemail/internal/tracehttp"
	"github.com/OrbitalEnterprises/evemail/internal/view"

	"github.com/emersion/go-imap/server"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagConfig = flag.String("config", "", "path to the configuration file")
	flagTrace  = flag.Bool("T", false, "request debug tracing")
)

func run() error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	ctx := context.Background()
	db, err := persist.Open(ctx, cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "unable to initialize account database")
	}
	defer db.Close()

	broker := token.NewBroker(db, cfg.SSO.ClientID, cfg.SSO.ClientSecret)
	client := esi.New(http.DefaultClient, cfg.ESI.BaseURL, cfg.ESI.UserAgent)

	registry := mailbox.NewRegistry(client, broker, cfg.SSO.TokenWindow)
	store := cache.NewStore()
	views := view.Deps{
		Resolver: client,
		Bodies:   client,
		Creds:    broker,
		Window:   cfg.SSO.TokenWindow,
	}
	syncer := sync.New(client, broker, cfg.SSO.TokenWindow, store, views)

	s := server.New(imapbridge.NewBackend(registry, store, db, syncer))
	s.Addr = fmt.Sprintf("%s:%d", cfg.IMAP.Address, cfg.IMAP.Port)
	s.AllowInsecureAuth = cfg.IMAP.AllowInsecureAuth

	log.Printf("serving IMAP on %s", s.Addr)
	return errors.Wrap(s.ListenAndServe(), "IMAP server failed")
}

func main() {
	flag.Parse()
	if *flagTrace {
		tracehttp.WrapDefaultTransport()
	}

	if err := run(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}
