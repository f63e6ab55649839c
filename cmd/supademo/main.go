// Command supademo is a small smoke-test CLI exercising the supa-go
// client: it builds a client, subscribes to auth state changes, runs a
// PostgREST select, and joins a realtime channel, logging each step.
// It isn't meant to be deployed — it exists so the wiring between
// packages can be eyeballed end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	supa "github.com/supa-kit/supa-go"
	"github.com/supa-kit/supa-go/internal/postgrest"
	"github.com/supa-kit/supa-go/internal/session"
)

func main() {
	url := flag.String("url", os.Getenv("SUPABASE_URL"), "project URL, e.g. https://xyz.supabase.co")
	key := flag.String("key", os.Getenv("SUPABASE_KEY"), "anon or service API key")
	table := flag.String("table", "messages", "table to select from")
	channel := flag.String("channel", "room-1", "realtime channel sub-topic to join")
	flag.Parse()

	logger := slog.New(supa.NewRingLogHandler(slog.LevelInfo, 500))
	slog.SetDefault(logger)

	if *url == "" || *key == "" {
		fmt.Fprintln(os.Stderr, "supademo: -url and -key (or SUPABASE_URL/SUPABASE_KEY) are required")
		os.Exit(2)
	}

	opts := supa.DefaultOptions()
	client, err := supa.NewClient(*url, *key, opts)
	if err != nil {
		slog.Error("supademo: failed to construct client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	client.Auth.OnAuthStateChange(func(change session.AuthStateChange) {
		slog.Info("supademo: auth state change", "event", change.Event)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runQuery(ctx, client, *table)
	runRealtime(ctx, client, *channel)

	<-ctx.Done()
	slog.Info("supademo: shutting down")
}

func runQuery(ctx context.Context, client *supa.Client, table string) {
	resp, err := client.From(table).
		Select("*", postgrest.SelectOptions{}).
		Range(0, 9, "").
		Execute(ctx)
	if err != nil {
		slog.Warn("supademo: query failed", "table", table, "error", err)
		return
	}
	slog.Info("supademo: query ok", "table", table, "bytes", len(resp.Data))
}

func runRealtime(ctx context.Context, client *supa.Client, subTopic string) {
	client.Realtime.Connect()

	ch := client.Channel(subTopic, nil)
	ch.OnBroadcast("*", func(payload json.RawMessage) {
		slog.Info("supademo: broadcast received", "payload", string(payload))
	})
	ch.Subscribe(func(status string, err error) {
		if err != nil {
			slog.Warn("supademo: subscribe failed", "status", status, "error", err)
			return
		}
		slog.Info("supademo: channel subscribed", "status", status)
	})

	go func() {
		<-ctx.Done()
		client.Realtime.RemoveAllChannels()
	}()
}
