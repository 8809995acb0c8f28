package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/auroradata-ai/apsi-engine/internal/applog"
	"github.com/auroradata-ai/apsi-engine/internal/channel"
	"github.com/auroradata-ai/apsi-engine/internal/oprf"
	"github.com/auroradata-ai/apsi-engine/internal/protocol"
	"github.com/auroradata-ai/apsi-engine/internal/receiver"
	"github.com/auroradata-ai/apsi-engine/internal/store"
	"github.com/chzyer/readline"
)

// readQueryItems loads the raw item bytes to query for: from -items (a CSV
// sharing the Sender's key-field convention) when given, otherwise via an
// interactive readline prompt — one item per line, history-enabled so a
// user can re-submit a near-miss without retyping it (the teacher's
// promptui covers menu selection; chzyer/readline covers this kind of
// free-form repeated text entry instead).
func readQueryItems(itemsPath string, keyFields []string) ([][]byte, error) {
	if itemsPath != "" {
		src, err := store.NewCSVSource(itemsPath)
		if err != nil {
			return nil, fmt.Errorf("reading items file: %w", err)
		}
		var items [][]byte
		for start := 0; ; start += 1000 {
			rows, err := src.List(start, 1000)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				break
			}
			for _, row := range rows {
				items = append(items, store.ItemBytes(row, keyFields))
			}
		}
		return items, nil
	}

	rl, err := readline.New("item> ")
	if err != nil {
		return nil, fmt.Errorf("starting interactive prompt: %w", err)
	}
	defer rl.Close()

	fmt.Println("enter one item per line (blank line to finish):")
	var items [][]byte
	for {
		line, err := rl.Readline()
		if err != nil || line == "" {
			break
		}
		items = append(items, []byte(line))
	}
	return items, nil
}

// receivePackages drains exactly packageCount RESULT_PACKAGE messages off r.
func receivePackages(r *receiver.Receiver, packageCount int) ([]protocol.ResultPackageMsg, error) {
	packages := make([]protocol.ResultPackageMsg, packageCount)
	for i := 0; i < packageCount; i++ {
		pkg, err := r.ReceivePackage()
		if err != nil {
			return nil, fmt.Errorf("package %d/%d: %w", i+1, packageCount, err)
		}
		packages[i] = pkg
	}
	return packages, nil
}

// runQuery connects to the configured peer, runs the full request_params ->
// request_oprf -> create_query -> send_query -> extract_result sequence
// (spec §4.9), and prints every matched item (plus its label, if any).
func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	itemsPath := fs.String("items", "", "CSV of items to query (omit for interactive entry)")
	cfg := loadConfig(fs, args)
	initLogging(cfg, "receiver-query")

	keyFields, _ := keyAndLabelFields(cfg)
	items, err := readQueryItems(*itemsPath, keyFields)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Println("no items to query")
		return
	}

	addr := fmt.Sprintf("%s:%d", cfg.Peer.Host, cfg.Peer.Port)
	ch, err := channel.Dial(addr)
	if err != nil {
		fmt.Println("connecting to peer:", err)
		os.Exit(1)
	}
	r := receiver.New(ch)
	defer r.Close()

	if _, err := r.RequestParams(); err != nil {
		fmt.Println("requesting parameters:", err)
		os.Exit(1)
	}

	hashed, labelKeys, err := r.RequestOPRF(items)
	if err != nil {
		fmt.Println("running OPRF round trip:", err)
		os.Exit(1)
	}

	query, err := r.CreateQuery(hashed)
	if err != nil {
		fmt.Println("creating query:", err)
		os.Exit(1)
	}

	packageCount, err := r.SendQuery(query)
	if err != nil {
		fmt.Println("sending query:", err)
		os.Exit(1)
	}
	applog.Info("receiver: awaiting %d result packages", packageCount)

	packages, err := receivePackages(r, packageCount)
	if err != nil {
		fmt.Println("receiving results:", err)
		os.Exit(1)
	}

	matches, err := r.ExtractResult(query, packages, labelKeys, oprf.OpenLabel)
	if err != nil {
		fmt.Println("extracting results:", err)
		os.Exit(1)
	}

	if len(matches) == 0 {
		fmt.Println("no intersection")
		return
	}
	for _, m := range matches {
		if m.Label != nil {
			fmt.Printf("match: item %d, label=%q\n", m.OriginalIndex, m.Label)
		} else {
			fmt.Printf("match: item %d\n", m.OriginalIndex)
		}
	}
}
