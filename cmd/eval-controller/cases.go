package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
)

type CasesCmd struct {
	List CasesListCmd `cmd:"" default:"withargs" help:"List case records."`
}

type CasesListCmd struct {
	UUID    []string `name:"uuid" help:"Only these uuids."`
	Status  []string `help:"Only cases in these statuses."`
	Deleted bool     `help:"List soft-deleted cases instead of live ones."`
	Limit   int      `default:"100" help:"Maximum rows, 0 for all."`
}

func (c *CasesListCmd) Run(g *Globals, out io.Writer) error {
	filter, err := c.filter()
	if err != nil {
		return err
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := caserecord.Open(ctx, cfg.DBConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := caserecord.NewSQLStore(db, caserecord.Dialect(cfg.Database.Driver)).List(ctx, filter)
	if err != nil {
		return err
	}
	renderCases(out, recs)
	return nil
}

func (c *CasesListCmd) filter() (caserecord.Filter, error) {
	f := caserecord.Filter{UUIDs: c.UUID, OnlyDeleted: c.Deleted, Limit: c.Limit}
	for _, raw := range c.Status {
		status, ok := evaluation.ParseCaseStatus(raw)
		if !ok {
			return f, fmt.Errorf("unknown status %q", raw)
		}
		f.Statuses = append(f.Statuses, status)
	}
	return f, nil
}

func renderCases(out io.Writer, recs []evaluation.CaseRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"UUID", "Name", "Processes", "Image", "Status", "Deleted", "Updated"})
	for _, r := range recs {
		tw.AppendRow(table.Row{
			r.UUID,
			r.CaseName,
			r.ProcessNum,
			r.RunnerImageTag,
			r.Status,
			r.Deleted,
			r.UpdatedAt.Format(time.RFC3339),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(recs)})
	tw.Render()
}
