package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-amplifier/internal/config"
	"github.com/basket/go-amplifier/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOutput := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: amplifierd doctor [-json]")
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		// Keep going: the Config check reports why.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version, doctor.Options{})

	if *jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		renderDiagnosis(w, diag, styled(w))
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

func renderDiagnosis(w io.Writer, diag doctor.Diagnosis, pretty bool) {
	title := fmt.Sprintf("amplifierd doctor (%s)", diag.Timestamp.Format(time.RFC3339))
	if pretty {
		title = headStyle.Render(title)
	}
	fmt.Fprintln(w, title)
	fmt.Fprintf(w, "System: %s/%s (%s) version %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		status := fmt.Sprintf("%-4s", res.Status)
		if pretty {
			switch res.Status {
			case "PASS":
				status = okStyle.Render(status)
			case "FAIL":
				status = badStyle.Render(status)
			default:
				status = labelStyle.Render(status)
			}
		}
		fmt.Fprintf(w, "%s %-12s %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", res.Detail)
		}
	}
}
