package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"

	"election-ledger/audit"
	"election-ledger/encryption"
	"election-ledger/storage"
)

var (
	bar  *progressbar.ProgressBar
	Test bool
)

func Error(msg string) {
	fmt.Println()
	color.Printf("<error>ERROR</>\t%s\n", msg)
	os.Exit(1)
}

// loadBundle reads a bundle from a file, an archive directory or the API,
// in that order of preference.
func loadBundle(file, dir, url string, id uint64) (*audit.Bundle, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var b audit.Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", file, err)
		}
		return &b, nil
	case dir != "":
		// NewBundleArchive creates missing directories, which would turn a
		// typo into an empty archive.
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("bundle directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("bundle directory: %s is not a directory", dir)
		}
		archive, err := storage.NewBundleArchive(dir, 1<<30)
		if err != nil {
			return nil, err
		}
		var b audit.Bundle
		if err := archive.LoadLatest(id, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case url != "":
		return fetchBundle(url, id)
	}
	return nil, errors.New("one of -file, -dir or -url is required")
}

func fetchBundle(base string, id uint64) (*audit.Bundle, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s/api/elections/%d/bundle", strings.TrimRight(base, "/"), id))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var b audit.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return &b, nil
}

func describeElection(b *audit.Bundle) {
	e := b.Election
	fmt.Println("\n= ", e.Name, " =")
	fmt.Printf("ID : %d\n", e.ID)
	fmt.Printf("Organizer : %s (%s)\n", e.OrganizerName, e.Organizer.Hex())
	fmt.Printf("Options : %d\n", e.OptionCount)
	color.Printf("Ballots : <suc>%d</>\n\n", e.TicketCount)
}

func runAudit(b *audit.Bundle) (*audit.Report, error) {
	var progress func(audit.TicketResult)
	if !Test {
		bar = progressbar.Default(int64(len(b.Tickets)))
		progress = func(audit.TicketResult) { bar.Add(1) }
	}
	return audit.Audit(b, encryption.NewCryptoService(), progress)
}

// printReport writes the per-option comparison and returns true when the
// recorded tally matches the recount.
func printReport(w io.Writer, b *audit.Bundle, r *audit.Report) bool {
	fmt.Fprintln(w)
	for i, opt := range b.Options {
		var claimed, counted uint64
		if i < len(r.Claimed) {
			claimed = r.Claimed[i]
		}
		if i < len(r.Counted) {
			counted = r.Counted[i]
		}
		if claimed == counted {
			color.Fprintf(w, "%-20s <suc>%d</>\n", opt.Name, counted)
		} else {
			color.Fprintf(w, "%-20s <error>%d</> recorded, %d recounted\n", opt.Name, claimed, counted)
		}
	}
	fmt.Fprintf(w, "\nvalid %d, invalid %d\n", r.Valid, r.Invalid)
	if r.SumExceedsTickets {
		color.Fprintf(w, "<warning>recorded tally counts more ballots than were cast</>\n")
	}
	if r.Matches {
		color.Fprintf(w, "<suc>OK</>\n\n")
	} else {
		color.Fprintf(w, "<error>MISMATCH</>\n\n")
	}
	return r.Matches
}

func main() {
	var (
		file   = flag.String("file", "", "Audit bundle JSON file")
		dir    = flag.String("dir", "", "Bundle archive directory")
		url    = flag.String("url", "", "API base URL, e.g. http://localhost:8080")
		id     = flag.Uint64("id", 1, "Election id")
		asJSON = flag.Bool("json", false, "Print the full report as JSON")
	)
	flag.Parse()

	b, err := loadBundle(*file, *dir, *url, *id)
	if err != nil {
		Error(err.Error())
	}
	describeElection(b)

	report, err := runAudit(b)
	if err != nil {
		Error(err.Error())
	}

	if *asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if !printReport(os.Stdout, b, report) {
		os.Exit(2)
	}
}
