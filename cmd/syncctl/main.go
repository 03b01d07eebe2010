package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/daemon"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/queue"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"go.uber.org/zap"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, profile, cfg, *jsonFlag)
	case "queue":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: syncctl queue <list [conversation]|discard <id>|requeue <id>>")
			os.Exit(1)
		}
		cmdQueue(ctx, profile, cfg, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: syncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon and queue status")
	fmt.Fprintln(os.Stderr, "  queue list [conversation]   List unsent messages")
	fmt.Fprintln(os.Stderr, "  queue discard <id>          Drop an unsent message")
	fmt.Fprintln(os.Stderr, "  queue requeue <id>          Clear a permanent failure so the next drain retries it")
}

// offline holds the profile open without the daemon.
type offline struct {
	lock  *lock.Lock
	db    *store.DB
	queue queue.Queue
}

func openOffline(profile string, cfg *config.Config) (*offline, error) {
	l, err := lock.Acquire(session.Dir(profile))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, fmt.Errorf("syncd is running for profile %q (PID %d); stop it first", profile, held.PID)
		}
		return nil, err
	}
	db, err := store.Open(session.DBPath(profile))
	if err != nil {
		_ = l.Release()
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = l.Release()
		return nil, err
	}
	q, err := daemon.OpenQueue(profile, cfg.Queue.Backend, db)
	if err != nil {
		_ = db.Close()
		_ = l.Release()
		return nil, err
	}
	return &offline{lock: l, db: db, queue: q}, nil
}

func (o *offline) Close() {
	_ = o.queue.Close()
	_ = o.db.Close()
	_ = o.lock.Release()
}

func cmdStatus(ctx context.Context, profile string, cfg *config.Config, jsonOut bool) {
	o, err := openOffline(profile, cfg)
	if err != nil {
		// Running daemon: ask it instead.
		st, herr := fetchStatus(ctx, cfg.Metrics.Addr)
		if herr != nil {
			fatal(fmt.Errorf("%v; status endpoint: %v", err, herr))
		}
		printStatus(st, "running", jsonOut)
		return
	}
	defer o.Close()

	recs, err := o.queue.DequeueAll(ctx, "")
	if err != nil {
		fatal(err)
	}
	st := daemon.Status{Profile: profile, State: "STOPPED", QueueDepth: len(recs)}
	if v, dirty, err := o.db.SchemaVersion(); err == nil {
		st.SchemaVersion, st.SchemaDirty = v, dirty
	}
	r := intsync.NewReconciler(o.db, zap.NewNop())
	if t, err := r.LastTime(intsync.CheckpointLastEvent, ""); err == nil && !t.IsZero() {
		st.LastEventAt = &t
	}
	printStatus(st, "stopped", jsonOut)
}

func fetchStatus(ctx context.Context, addr string) (daemon.Status, error) {
	var st daemon.Status
	if addr == "" {
		return st, errors.New("metrics server disabled")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func printStatus(st daemon.Status, daemonState string, jsonOut bool) {
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:        %s\n", st.Profile)
	fmt.Printf("Daemon:         %s\n", daemonState)
	fmt.Printf("Push channel:   %s\n", st.State)
	fmt.Printf("Queued:         %d\n", st.QueueDepth)
	fmt.Printf("Pending events: %d\n", st.PendingEvents)
	if st.SchemaVersion > 0 {
		schema := fmt.Sprintf("v%d", st.SchemaVersion)
		if st.SchemaDirty {
			schema += " (dirty)"
		}
		fmt.Printf("Schema:         %s\n", schema)
	}
	if st.LastEventAt != nil {
		fmt.Printf("Last event:     %s\n", st.LastEventAt.Format(time.RFC3339))
	}
}

func cmdQueue(ctx context.Context, profile string, cfg *config.Config, args []string, jsonOut bool) {
	o, err := openOffline(profile, cfg)
	if err != nil {
		fatal(err)
	}
	defer o.Close()

	switch args[0] {
	case "list":
		conv := ""
		if len(args) > 1 {
			conv = args[1]
		}
		recs, err := o.queue.DequeueAll(ctx, conv)
		if err != nil {
			fatal(err)
		}
		if jsonOut {
			outputJSON(recs)
			return
		}
		if len(recs) == 0 {
			fmt.Println("Queue is empty.")
			return
		}
		for _, r := range recs {
			state := "queued"
			switch {
			case r.Terminal:
				state = "rejected"
			case r.RetryCount > 0:
				state = fmt.Sprintf("failed x%d", r.RetryCount)
			}
			fmt.Printf("%-32s %-20s %-12s %s\n", r.ID, r.ConversationID, state, preview(r.Content))
			if r.LastError != "" {
				fmt.Printf("    last error: %s\n", r.LastError)
			}
		}
	case "discard":
		id := requireID(args)
		if _, ok, err := o.queue.Get(ctx, id); err != nil {
			fatal(err)
		} else if !ok {
			fatal(fmt.Errorf("no queued message %q", id))
		}
		if err := o.queue.Remove(ctx, id); err != nil {
			fatal(err)
		}
		fmt.Printf("Discarded %s\n", id)
	case "requeue":
		id := requireID(args)
		rec, ok, err := o.queue.Get(ctx, id)
		if err != nil {
			fatal(err)
		}
		if !ok {
			fatal(fmt.Errorf("no queued message %q", id))
		}
		rec.Terminal = false
		rec.RetryCount = 0
		if err := o.queue.Update(ctx, rec); err != nil {
			fatal(err)
		}
		fmt.Printf("Requeued %s\n", id)
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func requireID(args []string) string {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: syncctl queue %s <id>\n", args[0])
		os.Exit(1)
	}
	return args[1]
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
