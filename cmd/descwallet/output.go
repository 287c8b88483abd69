package main

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/table"
)

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(a.out, string(b))

	return err
}

// printTable renders rows below a header.
func (a *app) printTable(header table.Row, rows []table.Row) error {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	for _, row := range rows {
		t.AppendRow(row)
	}

	_, err := fmt.Fprintln(a.out, t.Render())

	return err
}

// printList prints rows as a table with --table, or v as JSON otherwise.
func (a *app) printList(v any, header table.Row,
	rows func() []table.Row) error {

	if a.cfg.Table {
		return a.printTable(header, rows())
	}

	return a.printJSON(v)
}
