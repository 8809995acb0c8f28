package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/auroradata-ai/apsi-engine/internal/applog"
	"github.com/auroradata-ai/apsi-engine/internal/channel"
	"github.com/auroradata-ai/apsi-engine/internal/config"
	"github.com/auroradata-ai/apsi-engine/internal/crypto"
	"github.com/auroradata-ai/apsi-engine/internal/field"
	"github.com/auroradata-ai/apsi-engine/internal/sender"
	"github.com/auroradata-ai/apsi-engine/internal/store"
)

// keyAndLabelFields splits cfg.Database.Fields into the item's key columns
// and, when labeling is enabled, its label column: by convention the last
// configured field is the label when Label.Enabled, every other field
// joins to make up the item.
func keyAndLabelFields(cfg *config.Config) (keyFields []string, labelField string) {
	fields := cfg.Database.Fields
	if !cfg.Label.Enabled || len(fields) < 2 {
		return fields, ""
	}
	return fields[:len(fields)-1], fields[len(fields)-1]
}

func buildParams(cfg *config.Config) (*field.PSIParams, error) {
	return field.NewPSIParams(
		cfg.PSI.FeltsPerItem, cfg.PSI.TableSize, cfg.PSI.MaxItemsPerBin, cfg.PSI.HashFuncCount,
		cfg.PSI.PowersSet, cfg.PSI.PolyModulusDeg, cfg.PSI.CoeffModuliBits, cfg.PSI.PlainModulus,
	)
}

func openSource(cfg *config.Config) (store.Source, error) {
	switch strings.ToLower(cfg.Database.Type) {
	case "csv", "":
		return store.NewCSVSource(cfg.Database.Filename)
	case "postgres", "postgresql":
		return store.NewPostgresSource(cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
			cfg.Database.Password, cfg.Database.DBName, cfg.Database.Table, cfg.Database.Fields)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

// runLoad builds a fresh SenderDB from the configured source and dumps it
// to -state, ready for `serve` to pick up without re-running the OPRF
// evaluation over every row each time the process restarts.
func runLoad(args []string) {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	statePath := fs.String("state", "senderdb.bin", "path to write the dumped SenderDB state")
	cfg := loadConfig(fs, args)
	initLogging(cfg, "sender-load")

	params, err := buildParams(cfg)
	if err != nil {
		fmt.Println("invalid PSI parameters:", err)
		os.Exit(1)
	}

	ctx, err := crypto.NewContext(params)
	if err != nil {
		fmt.Println("building HE context:", err)
		os.Exit(1)
	}

	labelSize := 0
	if cfg.Label.Enabled {
		labelSize = store.LabelSize(params.Field, params.FeltsPerItem, cfg.Label.LabelByteCount, cfg.Label.NonceByteCount)
	}
	db, err := sender.NewSenderDB(params, ctx, labelSize, nil)
	if err != nil {
		fmt.Println("constructing SenderDB:", err)
		os.Exit(1)
	}

	src, err := openSource(cfg)
	if err != nil {
		fmt.Println("opening source:", err)
		os.Exit(1)
	}
	keyFields, labelField := keyAndLabelFields(cfg)

	inserted, _, err := store.Populate(db, src, keyFields, labelField, cfg.Label.LabelByteCount, cfg.Label.NonceByteCount)
	if err != nil {
		fmt.Println("loading items:", err)
		os.Exit(1)
	}
	applog.Info("sender: loaded %d items from %s", inserted, cfg.Database.Type)

	if err := db.RegenerateStaleCaches(); err != nil {
		fmt.Println("regenerating caches:", err)
		os.Exit(1)
	}

	f, err := os.Create(*statePath)
	if err != nil {
		fmt.Println("creating state file:", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := db.DumpState(f, cfg.Label.LabelByteCount, cfg.Label.NonceByteCount); err != nil {
		fmt.Println("dumping state:", err)
		os.Exit(1)
	}

	fmt.Printf("loaded %d items into %s\n", inserted, *statePath)
}

// runServe loads a previously dumped SenderDB and answers queries until
// interrupted.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	statePath := fs.String("state", "senderdb.bin", "path to a SenderDB state dumped by `load`")
	workers := fs.Int("workers", 4, "query engine worker count")
	cfg := loadConfig(fs, args)
	initLogging(cfg, "sender-serve")

	params, err := buildParams(cfg)
	if err != nil {
		fmt.Println("invalid PSI parameters:", err)
		os.Exit(1)
	}
	ctx, err := crypto.NewContext(params)
	if err != nil {
		fmt.Println("building HE context:", err)
		os.Exit(1)
	}

	f, err := os.Open(*statePath)
	if err != nil {
		fmt.Println("opening state file:", err)
		os.Exit(1)
	}
	db, labelByteCount, nonceByteCount, err := sender.LoadState(f, ctx)
	f.Close()
	if err != nil {
		fmt.Println("loading state:", err)
		os.Exit(1)
	}
	if err := db.RegenerateStaleCaches(); err != nil {
		fmt.Println("regenerating caches:", err)
		os.Exit(1)
	}

	eng, err := sender.NewEngine(db, *workers, labelByteCount, nonceByteCount)
	if err != nil {
		fmt.Println("constructing query engine:", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	ln, err := channel.Listen(addr, cfg)
	if err != nil {
		fmt.Println("listening:", err)
		os.Exit(1)
	}

	dispatcher := sender.NewDispatcher(ln, db, eng, cfg.Label.Enabled, labelByteCount, nonceByteCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		applog.Info("sender: shutting down")
		dispatcher.Stop()
	}()

	applog.Info("sender: serving on %s", addr)
	if err := dispatcher.Serve(); err != nil {
		fmt.Println("serve:", err)
		os.Exit(1)
	}
}
