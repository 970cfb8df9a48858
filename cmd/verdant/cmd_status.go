package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/daviddao/verdant/pkg/frontier"
	"github.com/daviddao/verdant/pkg/model"
)

func (a *app) cmdList(args []string) int {
	flags := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	ids, err := a.store.ListLibraries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: list: %v\n", err)
		return 1
	}
	infos := make([]*model.LibraryInfo, 0, len(ids))
	for _, id := range ids {
		info, err := a.store.LibraryInfo(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "verdant: list: %v\n", err)
			return 1
		}
		infos = append(infos, info)
	}

	if *jsonOut {
		printJSON(infos)
		return 0
	}
	if len(infos) == 0 {
		fmt.Println("no libraries")
		return 0
	}
	for _, info := range infos {
		fmt.Printf("%-30s ops=%-6d baselines=%-6d replicas=%-3d active=%s\n",
			info.ID, info.OperationCount, info.BaselineCount, len(info.Replicas),
			formatSeen(info.LatestServerActive))
	}
	return 0
}

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	lib := flags.String("library", "", "library ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if !requireLibrary("status", *lib) {
		return 1
	}

	ctx := context.Background()
	info, err := a.store.LibraryInfo(ctx, *lib)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: status: %v\n", err)
		return 1
	}
	st, err := a.registry.Get(*lib).Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: status: %v\n", err)
		return 1
	}

	type replicaInfo struct {
		model.Replica
		Presence string `json:"presence"`
	}
	now := time.Now()
	replicas := make([]replicaInfo, len(info.Replicas))
	for i, r := range info.Replicas {
		replicas[i] = replicaInfo{Replica: r, Presence: replicaPresence(r, now, a.cfg.Truancy)}
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"library":  info,
			"replicas": replicas,
			"frontier": st.Frontier,
		})
		return 0
	}

	fmt.Printf("library: %s  ops=%d baselines=%d\n", info.ID, info.OperationCount, info.BaselineCount)
	fmt.Printf("global ack: %s\n", orNone(info.GlobalAck))
	fmt.Println("replicas:")
	for _, r := range replicas {
		fmt.Printf("  %s %-28s user=%-12s type=%-18s ack=%s last_seen=%s\n",
			presenceIndicator(r.Presence), r.ID, r.UserID, r.Type,
			orNone(r.AckedLogicalTime), formatSeen(r.LastSeen))
	}
	if st.Frontier.SafeToFold {
		fmt.Printf("rebase: SAFE up to %s\n", st.Frontier.GlobalAck)
	} else {
		fmt.Printf("rebase: NOT SAFE (blocked by %d replicas)\n", len(st.Frontier.BlockedBy))
	}
	return 0
}

// replicaPresence returns a presence string based on last_seen time.
//   - "online"  seen within 2 minutes
//   - "idle"    seen within 10 minutes
//   - "truant"  away longer than the truancy window
//   - "offline" otherwise
func replicaPresence(r model.Replica, now time.Time, truancy time.Duration) string {
	since := now.Sub(r.LastSeen)
	switch {
	case frontier.IsTruant(r, now, truancy):
		return "truant"
	case since < 2*time.Minute:
		return "online"
	case since < 10*time.Minute:
		return "idle"
	default:
		return "offline"
	}
}

func presenceIndicator(p string) string {
	switch p {
	case "online":
		return "●"
	case "idle":
		return "◐"
	case "truant":
		return "✕"
	default:
		return "○"
	}
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
