package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/lifecycle"
)

// runCrashesCommand implements `dispatchd crashes`: list the recorded
// crashes behind a crash-guard block, or clear them with -clear so the
// daemon may start again.
func runCrashesCommand(args []string) int {
	fs := flag.NewFlagSet("crashes", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	clear := fs.Bool("clear", false, "clear the crash log and re-arm startup")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s crashes [-clear]\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	if *clear {
		if err := lifecycle.ClearCrashLog(cfg.CrashLogPath()); err != nil {
			fmt.Fprintf(os.Stderr, "clear crash log: %v\n", err)
			return 1
		}
		fmt.Println("crash log cleared")
		return 0
	}

	records, err := lifecycle.ReadCrashLog(cfg.CrashLogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "read crash log: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Println("no crashes recorded")
		return 0
	}
	for _, rec := range records {
		fmt.Printf("%s  %s\n", rec.Timestamp.Format(time.RFC3339), rec.Reason)
	}
	fmt.Printf("%d crash(es) recorded; startup blocks at %d within %d minutes\n",
		len(records), cfg.CrashLoopThreshold, cfg.CrashLoopWindowMinutes)
	return 0
}
