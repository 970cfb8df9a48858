package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdRebase(args []string) int {
	flags := flag.NewFlagSet("rebase", flag.ContinueOnError)
	lib := flags.String("library", "", "library ID")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if !requireLibrary("rebase", *lib) {
		return 1
	}

	ctx := context.Background()
	folded, err := a.registry.Get(*lib).Rebase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: rebase: %v\n", err)
		return 1
	}
	ack, err := a.store.GlobalAck(ctx, *lib)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: rebase: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"library":    *lib,
			"folded":     folded,
			"global_ack": ack,
		})
	} else {
		fmt.Printf("folded %d operations in %s (global ack %s)\n", folded, *lib, orNone(ack))
	}
	return 0
}

func (a *app) cmdEvict(args []string) int {
	flags := flag.NewFlagSet("evict", flag.ContinueOnError)
	lib := flags.String("library", "", "library ID")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if !requireLibrary("evict", *lib) {
		return 1
	}

	if err := a.registry.Evict(context.Background(), *lib); err != nil {
		fmt.Fprintf(os.Stderr, "verdant: evict: %v\n", err)
		return 1
	}
	fmt.Printf("evicted %s\n", *lib)
	return 0
}
