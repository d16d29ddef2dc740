package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"groupcast/internal/domain"
	"groupcast/internal/store"
)

var attemptsFlag int

// tasksCmd reads the database directly, so it works while serve is stopped.
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List stored tasks and their recent delivery attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		return printTasks(cmd.Context(), store.NewSQLiteRepo(db))
	},
}

func init() {
	tasksCmd.Flags().IntVar(&attemptsFlag, "attempts", 0, "also show the last N delivery attempts per task")
}

func statusLabel(s domain.Status) string {
	switch s {
	case domain.StatusRunning:
		return color.New(color.FgGreen).Sprint("running")
	case domain.StatusStopped:
		return color.New(color.FgYellow).Sprint("stopped")
	case domain.StatusScheduled:
		return color.New(color.FgBlue).Sprint("scheduled")
	}
	return color.New(color.FgRed).Sprint(string(s))
}

func printTasks(ctx context.Context, repo store.Repository) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s, err := repo.LoadLatestSession(ctx); err == nil {
		fmt.Printf("Session: %s (api_id %d, since %s)\n\n", s.Phone, s.APIID, s.CreatedAt.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Printf("Session: %s\n\n", color.New(color.FgRed).Sprint("none"))
	}

	tasks, err := repo.ListTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tGROUP\tSCHEDULE\tPAYLOAD")
	for _, t := range tasks {
		payload := "text"
		if t.ImagePath != "" {
			payload = "image: " + t.ImagePath
		}
		if t.TagMembers {
			payload += " +mention"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, statusLabel(t.Status), t.Group, t.Rule, payload)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if attemptsFlag <= 0 {
		return nil
	}
	for _, t := range tasks {
		attempts, err := repo.ListAttempts(ctx, t.ID, attemptsFlag)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n", t.ID)
		if len(attempts) == 0 {
			fmt.Println("  no attempts yet")
		}
		for _, a := range attempts {
			mark := color.New(color.FgGreen).Sprint("OK  ")
			if !a.Success {
				mark = color.New(color.FgRed).Sprint("FAIL")
			}
			fmt.Printf("  %s %s %s\n", a.StartedAt.Local().Format("2006-01-02 15:04:05"), mark, a.Error)
		}
	}
	return nil
}
