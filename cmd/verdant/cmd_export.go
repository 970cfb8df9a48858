package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/verdant/pkg/store"
)

func (a *app) cmdExport(args []string) int {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	lib := flags.String("library", "", "library ID")
	out := flags.String("out", "", "output file (default stdout)")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if !requireLibrary("export", *lib) {
		return 1
	}

	exp, err := a.store.Export(context.Background(), *lib)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: export: %v\n", err)
		return 1
	}
	if *out == "" {
		printJSON(exp)
		return 0
	}

	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: export: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, append(data, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "verdant: export: %v\n", err)
		return 1
	}
	fmt.Printf("exported %s: %d operations, %d baselines -> %s\n",
		*lib, exp.OperationCount, exp.BaselineCount, *out)
	return 0
}

func (a *app) cmdImport(args []string) int {
	flags := flag.NewFlagSet("import", flag.ContinueOnError)
	lib := flags.String("library", "", "library ID (default: the export's library)")
	in := flags.String("in", "", "export file to read")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *in == "" {
		fmt.Fprintln(os.Stderr, "verdant: import: --in is required")
		return 1
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: import: %v\n", err)
		return 1
	}
	var exp store.Export
	if err := json.Unmarshal(data, &exp); err != nil {
		fmt.Fprintf(os.Stderr, "verdant: import: invalid export: %v\n", err)
		return 1
	}
	target := *lib
	if target == "" {
		target = exp.LibraryID
	}
	if !requireLibrary("import", target) {
		return 1
	}

	if err := a.store.Import(context.Background(), target, &exp); err != nil {
		fmt.Fprintf(os.Stderr, "verdant: import: %v\n", err)
		return 1
	}
	fmt.Printf("imported %s: %d operations, %d baselines\n", target, len(exp.Operations), len(exp.Baselines))
	return 0
}
