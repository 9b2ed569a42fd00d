package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"nanofab.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "runs":
			runsCmd(os.Args[2:])
			return
		case "best":
			bestCmd(os.Args[2:])
			return
		case "problems":
			problemsCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "archive":
			archiveCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin runs|best|problems|snapshot|archive [flags]")
	os.Exit(2)
}

// snapshotCmd prints the header and roster of a snapshot file.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	path := fs.String("path", "", "snapshot file")
	_ = fs.Parse(args)
	if *path == "" {
		fmt.Fprintln(os.Stderr, "missing -path")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("problem=%s step=%d r=%d mode=%s energy=%s halted=%v bots=%d\n",
		snap.Header.Problem, snap.Header.Step, snap.R, snap.Mode, humanize.Comma(snap.Energy), snap.Halted, len(snap.Bots))
	for _, b := range snap.Bots {
		fmt.Printf("  bot %d at %v seeds=%v\n", b.ID, b.Pos, b.Seeds)
	}
}
