// Command gdfs-dbtool inspects and repairs the bbolt-backed upload-resume
// journal a running gdfs mount uses to survive a process restart mid-upload
// (fs/upload.go's UploadJournal). Adapted from the teacher's bolt-insert,
// which pokes an arbitrary bucket/key into a bbolt file; this tool is
// narrowed to the one bucket and schema gdfs actually uses.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/drivefs/gdfs/fs"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  gdfs-dbtool list <journal.db>")
	fmt.Fprintln(os.Stderr, "  gdfs-dbtool dump [-o yaml|json] <journal.db> <fileID>")
	fmt.Fprintln(os.Stderr, "  gdfs-dbtool delete <journal.db> <fileID>")
}

func main() {
	format := flag.StringP("output", "o", "yaml", "dump output format: yaml or json")
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, dbPath := args[0], args[1]
	journal, err := fs.OpenUploadJournal(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error opening journal:", err)
		os.Exit(1)
	}
	defer journal.Close()

	switch cmd {
	case "list":
		runList(journal)
	case "dump":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		runDump(journal, args[2], *format)
	case "delete":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		runDelete(journal, args[2])
	default:
		usage()
		os.Exit(1)
	}
}

func runList(journal *fs.UploadJournal) {
	sessions, err := journal.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error listing sessions:", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("no pending upload sessions")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%s\tstart=%d\tsize=%d\n", s.FileID, s.Start, s.Size)
	}
}

func runDelete(journal *fs.UploadJournal, fileID string) {
	if err := journal.Delete(fileID); err != nil {
		fmt.Fprintln(os.Stderr, "error deleting session:", err)
		os.Exit(1)
	}
	fmt.Println("deleted session for file ID:", fileID)
}
