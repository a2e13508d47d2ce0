package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/careplane/draftsync/internal/config"
	"github.com/careplane/draftsync/internal/draftsync"
)

const usage = `usage: draftsync <command> [args]

commands:
  ls             list documents with revision and lease state
  show <doc>     print one document as JSON
  rm <doc>       delete a document
  cleanup        run scheduled cleanup once
  watch          tail external change notifications

configuration comes from the environment (DRAFTSYNC_STORE_DSN etc.),
optionally via a .env file in the working directory.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	store, err := draftsync.BuildStoreFromDSN(cfg.StoreDSN, cfg.MaxStoreBytes)
	if err != nil {
		log.Fatalf("open store %s: %v", cfg.StoreDSN, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "ls":
		err = runList(ctx, store, cfg)
	case "show":
		err = runShow(ctx, store, cfg, argAt(2))
	case "rm":
		err = runRemove(ctx, store, cfg, argAt(2))
	case "cleanup":
		err = runCleanup(ctx, store, cfg)
	case "watch":
		err = runWatch(store)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func argAt(i int) string {
	if len(os.Args) <= i {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	return os.Args[i]
}

func runList(ctx context.Context, store draftsync.Store, cfg config.Config) error {
	prefix := draftsync.EntryKey(cfg.Namespace, cfg.DocumentCategory, "")
	keys, err := store.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, key := range keys {
		entry, err := store.Get(ctx, key)
		if err != nil {
			log.Printf("skipping %s: %v", key, err)
			continue
		}
		var doc draftsync.Document
		if err := json.Unmarshal(entry.Value, &doc); err != nil {
			log.Printf("skipping %s: corrupted: %v", key, err)
			continue
		}
		lease := "unowned"
		if doc.LeaseLiveAt(now) {
			lease = fmt.Sprintf("owned by %s until %s", doc.OwnerInstanceID,
				doc.OwnerLeaseExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("%s\trev=%d\tupdated=%s\t%s\n",
			doc.ID, doc.Revision, doc.UpdatedAt.Format(time.RFC3339), lease)
	}
	return nil
}

func runShow(ctx context.Context, store draftsync.Store, cfg config.Config, documentID string) error {
	key := draftsync.EntryKey(cfg.Namespace, cfg.DocumentCategory, documentID)
	entry, err := store.Get(ctx, key)
	if errors.Is(err, draftsync.ErrNotFound) {
		return fmt.Errorf("document %s not found", documentID)
	}
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(entry.Value, &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRemove(ctx context.Context, store draftsync.Store, cfg config.Config, documentID string) error {
	key := draftsync.EntryKey(cfg.Namespace, cfg.DocumentCategory, documentID)
	return store.Delete(ctx, key)
}

func runCleanup(ctx context.Context, store draftsync.Store, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	cleaner := draftsync.NewCleaner(store, cfg.Namespace, cfg.InstanceTimeout, nil, logger, nil)
	if cfg.PolicyFile != "" {
		policies, err := draftsync.LoadPoliciesFromFile(cfg.PolicyFile)
		if err != nil {
			return err
		}
		cleaner.RegisterPolicies(policies)
	}
	return cleaner.RunScheduledCleanup(ctx)
}

func runWatch(store draftsync.Store) error {
	cancel := store.Subscribe(func(write draftsync.ExternalWrite) {
		op := "write"
		if write.Deleted {
			op = "delete"
		}
		fmt.Printf("%s\t%s\t%s\n", time.Now().UTC().Format(time.RFC3339), op, write.Key)
	})
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	log.Println("watching for changes, ctrl-c to stop")
	<-stop
	return nil
}
