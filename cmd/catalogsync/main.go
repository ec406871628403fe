package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	_ "github.com/mattn/go-sqlite3"
)

// GlobalOptions apply to every command
type GlobalOptions struct {
	Config string `short:"c" long:"config" env:"CATALOGSYNC_CONFIG" description:"Path to configuration file (TOML)"`
}

var globalOpts GlobalOptions

func main() {
	parser := flags.NewParser(&globalOpts, flags.Default)
	parser.LongDescription = "Runs scraping jobs against configured sources and reconciles the results into the product catalog."

	commands := []struct {
		name, short string
		data        any
	}{
		{"serve", "Run the HTTP API and the job workers", &ServeCommand{}},
		{"worker", "Run the job workers only", &WorkerCommand{}},
		{"run-job", "Run one pending job synchronously", &RunJobCommand{}},
		{"create-job", "Create a job and enqueue it", &CreateJobCommand{}},
		{"sync-sources", "Upsert source definitions from YAML files", &SyncSourcesCommand{}},
		{"migrate", "Apply database migrations", &MigrateCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.data); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		// go-flags already printed its own parse errors
		if !errors.As(err, &flagsErr) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
