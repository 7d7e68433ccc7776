package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"medremind/internal/app"
	"medremind/internal/config"
)

func main() {
	var (
		cfgPath     string
		checkOnly   bool
		recoverOnly bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.BoolVar(&checkOnly, "check", false, "validate the config and exit")
	flag.BoolVar(&recoverOnly, "recover-only", false, "run schedule recovery, print the job table and exit")
	flag.Parse()

	if checkOnly {
		os.Exit(check(cfgPath))
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if recoverOnly {
		os.Exit(recoverAndPrint(a))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := a.Start(ctx); err != nil {
		// Recovery errors are logged by the app; the service keeps running.
		fmt.Fprintln(os.Stderr, "startup recovery:", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	signal.Stop(sigs)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func check(path string) int {
	m := config.NewConfigManager(path)
	m.SetValidator(config.Validate)
	if _, err := m.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "config invalid:", err)
		return 1
	}
	fmt.Println("config ok:", path)
	return 0
}

func recoverAndPrint(a *app.App) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	defer a.Stop(context.Background(), app.StopRecoverOnly)

	rep, err := a.Recover(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "recover:", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)

	snap := a.Engine().Snapshot()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "JOB\tSCHEDULE\tTIME\tRULE\tNEXT (%s)\n", snap.Timezone)
	for _, j := range snap.Jobs {
		next := "-"
		if !j.Next.IsZero() {
			next = j.Next.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.ScheduleID, j.Label, j.Rule, next)
	}
	_ = tw.Flush()
	return 0
}
