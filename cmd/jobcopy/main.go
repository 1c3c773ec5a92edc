// Command jobcopy copies job history rows from one stereomatch job
// database into another.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/stereomatch/jobqueue"
)

// filter selects the rows to copy. Empty fields match everything.
type filter struct {
	command string
	state   string
}

func (f filter) where() (string, []any, error) {
	var clauses []string
	var args []any
	if f.command != "" {
		clauses = append(clauses, "command = ?")
		args = append(args, f.command)
	}
	if f.state != "" {
		var st jobqueue.JobState
		quoted := []byte(`"` + f.state + `"`)
		if err := st.UnmarshalJSON(quoted); err != nil {
			return "", nil, err
		}
		// Unknown names decode as pending; reject them instead.
		if back, _ := st.MarshalJSON(); string(back) != string(quoted) {
			return "", nil, fmt.Errorf("unknown state %q", f.state)
		}
		clauses = append(clauses, "state = ?")
		args = append(args, int(st))
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

var validConflict = map[string]bool{
	"IGNORE": true, "ABORT": true, "REPLACE": true, "ROLLBACK": true, "FAIL": true,
}

// copyJobs copies matching rows from srcPath to dstPath, creating the
// destination table when needed. With dryRun it only counts them.
func copyJobs(srcPath, dstPath string, f filter, onConflict string, dryRun bool) (int64, error) {
	confVerb := strings.ToUpper(onConflict)
	if !validConflict[confVerb] {
		return 0, fmt.Errorf("invalid on-conflict value %q; use ignore|abort|replace|rollback|fail", onConflict)
	}
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}

	// _pragma=busy_timeout=5000 helps while a server holds the DB open.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000", srcPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer db.Close()
	// ATTACH is per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return 0, fmt.Errorf("ping source: %w", err)
	}
	if !hasJobsTable(db, "main") {
		return 0, fmt.Errorf("%s has no jobs table", srcPath)
	}

	var toCopy int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM main.jobs`+where, args...).Scan(&toCopy); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	if dryRun {
		return toCopy, nil
	}

	dst, err := sql.Open("sqlite", dstPath)
	if err != nil {
		return 0, fmt.Errorf("open dest: %w", err)
	}
	err = jobqueue.CreateSchema(dst)
	dst.Close()
	if err != nil {
		return 0, fmt.Errorf("create dest schema: %w", err)
	}

	if _, err := db.Exec(`ATTACH DATABASE ? AS dest`, dstPath); err != nil {
		return 0, fmt.Errorf("attach dest: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	insertSQL := fmt.Sprintf(`INSERT OR %s INTO dest.jobs SELECT * FROM main.jobs%s`, confVerb, where)
	res, err := tx.Exec(insertSQL, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("insert: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}

func hasJobsTable(db *sql.DB, schema string) bool {
	var cnt int
	row := db.QueryRow(`SELECT count(*) FROM ` + schema + `.sqlite_master WHERE type='table' AND name='jobs'`)
	return row.Scan(&cnt) == nil && cnt > 0
}

func main() {
	var (
		srcPath    string
		dstPath    string
		f          filter
		onConflict string
		dryRun     bool
	)

	flag.StringVar(&srcPath, "source", "", "Path to source job DB")
	flag.StringVar(&dstPath, "dest", "", "Path to destination job DB (created if missing)")
	flag.StringVar(&f.command, "command", "", "Only copy jobs of this command, e.g. match")
	flag.StringVar(&f.state, "state", "", "Only copy jobs in this state: pending|in_progress|completed|cancelled|error")
	flag.StringVar(&onConflict, "on-conflict", "ignore", "Conflict behavior: ignore | abort | replace | rollback | fail")
	flag.BoolVar(&dryRun, "dry-run", false, "Count matching jobs without writing")
	flag.Parse()

	if srcPath == "" || dstPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -source <src.db> -dest <dest.db> [-command match] [-state completed] [-on-conflict ignore] [-dry-run]\n", os.Args[0])
		os.Exit(2)
	}

	n, err := copyJobs(srcPath, dstPath, f, onConflict, dryRun)
	if err != nil {
		log.Fatal(err)
	}
	if dryRun {
		log.Printf("Dry run: %d job(s) match; no changes written.", n)
		return
	}
	fmt.Printf("Done. Copied %d job(s).\n", n)
}
