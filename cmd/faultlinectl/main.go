// Command faultlinectl is the operator CLI over the ingest database: project
// management, archive export/import, and the ruminate re-digest sweep (spec
// §6). Subcommand dispatch and table rendering follow the teacher's
// cmd/chrc/main.go flag-and-switch style rather than a cobra/cli framework,
// since the surface here is five verbs.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"

	"github.com/hazyhaar/faultline/config"
	"github.com/hazyhaar/faultline/dbopen"
	"github.com/hazyhaar/faultline/idgen"
	"github.com/hazyhaar/faultline/observability"
	"github.com/hazyhaar/faultline/store"
	_ "github.com/hazyhaar/faultline/trace"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	s, err := store.Open(cfg.DatabaseURL, dbopen.WithMkdirAll())
	if err != nil {
		fmt.Fprintln(os.Stderr, "faultlinectl: open store:", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := observability.Init(s.DB()); err != nil {
		fmt.Fprintln(os.Stderr, "faultlinectl: init audit schema:", err)
		os.Exit(1)
	}
	audit := observability.NewAuditLogger(s.DB(), 16)
	defer audit.Close()

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]
	start := time.Now()

	var cmdErr error
	switch cmd {
	case "project_create":
		cmdErr = cmdProjectCreate(ctx, s, args)
	case "project_list":
		cmdErr = cmdProjectList(ctx, s)
	case "project_delete":
		cmdErr = cmdProjectDelete(ctx, s, args)
	case "archive_export":
		cmdErr = cmdArchiveExport(ctx, s, args)
	case "archive_import":
		cmdErr = cmdArchiveImport(ctx, s, args)
	case "ruminate":
		cmdErr = cmdRuminate(ctx, s)
	default:
		usage()
		os.Exit(2)
	}

	entry := audit.NewAuditEntry("faultlinectl", cmd, args, nil, cmdErr, time.Since(start))
	if err := audit.Log(ctx, entry); err != nil {
		fmt.Fprintln(os.Stderr, "faultlinectl: audit log:", err)
	}

	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, "faultlinectl:", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: faultlinectl <command> [args]

commands:
  project_create <name> [public_key]   create a project, printing its DSN
  project_list                         list all projects
  project_delete <id>                  delete a project by id
  archive_export <path>                write every archive to a JSONL file
  archive_import <path>                re-insert archives from a JSONL file
  ruminate                             re-enqueue archives stuck with no queue/report row`)
}

func cmdProjectCreate(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("project_create", flag.ExitOnError)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("project_create requires a name")
	}
	name := rest[0]
	publicKey := ""
	if len(rest) > 1 {
		publicKey = rest[1]
	} else {
		publicKey = idgen.NanoID(32)()
	}

	id, err := s.CreateProject(ctx, name, publicKey)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	fmt.Printf("project %d created\ndsn: http://%s@host/%d\n", id, publicKey, id)
	return nil
}

func cmdProjectList(ctx context.Context, s *store.Store) error {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	w := tableWriter{color: color}
	w.header("ID", "NAME", "PUBLIC KEY", "CREATED")
	for _, p := range projects {
		w.row(strconv.FormatInt(p.ID, 10), p.Name, p.PublicKey, p.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.flush()
	return nil
}

func cmdProjectDelete(ctx context.Context, s *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("project_delete requires an id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid project id %q: %w", args[0], err)
	}
	if err := s.DeleteProject(ctx, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	fmt.Printf("project %d deleted\n", id)
	return nil
}

// exportRecord is the JSONL shape from spec §6: hash, project_id,
// original_size, compressed_payload_base64, created_at.
type exportRecord struct {
	Hash                  string `json:"hash"`
	ProjectID             int64  `json:"project_id"`
	OriginalSize          *int64 `json:"original_size,omitempty"`
	CompressedPayloadB64  string `json:"compressed_payload_base64"`
	CreatedAt             int64  `json:"created_at"`
}

func cmdArchiveExport(ctx context.Context, s *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("archive_export requires a path")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	records, err := s.ListArchives(ctx)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	var totalBytes int64
	for _, r := range records {
		rec := exportRecord{
			Hash:                 r.Hash,
			ProjectID:            r.ProjectID,
			OriginalSize:         r.OriginalSize,
			CompressedPayloadB64: base64.StdEncoding.EncodeToString(r.CompressedPayload),
			CreatedAt:            r.CreatedAt.Unix(),
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode archive %s: %w", r.Hash, err)
		}
		totalBytes += int64(len(r.CompressedPayload))
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush export file: %w", err)
	}
	fmt.Printf("exported %d archives (%s compressed) to %s\n", len(records), humanize.Bytes(uint64(totalBytes)), args[0])
	return nil
}

func cmdArchiveImport(ctx context.Context, s *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("archive_import requires a path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var imported, skipped int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode archive record: %w", err)
		}
		compressed, err := base64.StdEncoding.DecodeString(rec.CompressedPayloadB64)
		if err != nil {
			return fmt.Errorf("decode payload for %s: %w", rec.Hash, err)
		}

		result, err := s.ImportArchive(ctx, store.ArchiveRecord{
			Hash:              rec.Hash,
			ProjectID:         rec.ProjectID,
			CompressedPayload: compressed,
			OriginalSize:      rec.OriginalSize,
		})
		if err != nil {
			return fmt.Errorf("import archive %s: %w", rec.Hash, err)
		}
		if result == store.Inserted {
			if err := s.Enqueue(ctx, rec.Hash); err != nil {
				return fmt.Errorf("enqueue imported archive %s: %w", rec.Hash, err)
			}
			imported++
		} else {
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read import file: %w", err)
	}

	fmt.Printf("imported %d archives, skipped %d already present\n", imported, skipped)
	return nil
}

func cmdRuminate(ctx context.Context, s *store.Store) error {
	hashes, err := s.OrphanArchiveHashes(ctx)
	if err != nil {
		return fmt.Errorf("find orphan archives: %w", err)
	}
	for _, h := range hashes {
		if err := s.Enqueue(ctx, h); err != nil {
			return fmt.Errorf("enqueue %s: %w", h, err)
		}
	}
	fmt.Printf("re-enqueued %d orphan archives\n", len(hashes))
	return nil
}

// tableWriter renders a right-padded table, using runewidth so multi-byte
// project names and DSNs still align, with column coloring only when
// stdout is a TTY (spec's DOMAIN STACK wiring for isatty/runewidth).
type tableWriter struct {
	color  bool
	cols   []string
	rows   [][]string
	widths []int
}

func (w *tableWriter) header(cols ...string) {
	w.cols = cols
	w.widths = make([]int, len(cols))
	for i, c := range cols {
		w.widths[i] = runewidth.StringWidth(c)
	}
}

func (w *tableWriter) row(vals ...string) {
	w.rows = append(w.rows, vals)
	for i, v := range vals {
		if i >= len(w.widths) {
			continue
		}
		if wd := runewidth.StringWidth(v); wd > w.widths[i] {
			w.widths[i] = wd
		}
	}
}

func (w *tableWriter) flush() {
	const reset, bold = "\x1b[0m", "\x1b[1m"
	printRow := func(vals []string, headerRow bool) {
		for i, v := range vals {
			padded := runewidth.FillRight(v, w.widths[i])
			if headerRow && w.color {
				fmt.Print(bold, padded, reset)
			} else {
				fmt.Print(padded)
			}
			fmt.Print("  ")
		}
		fmt.Println()
	}
	printRow(w.cols, true)
	for _, r := range w.rows {
		printRow(r, false)
	}
}
