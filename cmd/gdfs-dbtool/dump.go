package main

import (
	"encoding/json"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/drivefs/gdfs/fs"
)

// runDump renders one journaled upload session for human inspection.
// Defaults to YAML; -o json switches to json.MarshalIndent for
// scriptability.
func runDump(journal *fs.UploadJournal, fileID string, format string) {
	session, err := journal.Load(fileID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading session:", err)
		os.Exit(1)
	}
	if session == nil {
		fmt.Fprintln(os.Stderr, "no session found for file ID:", fileID)
		os.Exit(1)
	}

	var out []byte
	switch format {
	case "json":
		out, err = json.MarshalIndent(session, "", "  ")
	case "yaml", "":
		out, err = yaml.Marshal(session)
	default:
		fmt.Fprintln(os.Stderr, "unknown output format:", format)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error encoding session:", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
	if format == "json" {
		fmt.Println()
	}
}
