package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/chriskillpack/imganalyzer"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	selectedStyle = cellStyle.Foreground(lipgloss.Color("10"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func printModels(p *imganalyzer.Plugin) {
	s := p.Settings()

	var selectedRows []int
	t := newTable("", "KIND", "MODEL", "NAME")
	row := 0
	for _, image := range []bool{true, false} {
		kind, selected := "text", s.SelectedModel
		if image {
			kind, selected = "image", s.SelectedImageModel
		}
		for _, m := range p.Registry().For(s.Provider, image) {
			mark := ""
			if m == selected {
				mark = "*"
				selectedRows = append(selectedRows, row)
			}
			t.Row(mark, kind, m.Model, m.Name)
			row++
		}
	}
	t.StyleFunc(func(r, c int) lipgloss.Style {
		switch {
		case r == table.HeaderRow:
			return headerStyle
		case slices.Contains(selectedRows, r):
			return selectedStyle
		}
		return cellStyle
	})

	fmt.Printf("Provider %s\n", s.Provider)
	fmt.Println(t)
}

func printHistory(ctx context.Context, db *imganalyzer.DB) error {
	limit := 20
	if *count > 0 {
		limit = *count
	}
	images, err := db.History(ctx, limit)
	if err != nil {
		return err
	}
	total, described, err := db.CountImages(ctx)
	if err != nil {
		return err
	}

	t := newTable("WHEN", "IMAGE", "MODEL", "RESULT")
	for _, img := range images {
		t.Row(img.AttemptedAt.Time.Local().Format(time.DateTime), img.Path, img.Model, summarize(img))
	}
	t.StyleFunc(func(r, c int) lipgloss.Style {
		if r == table.HeaderRow {
			return headerStyle
		}
		return cellStyle
	})

	fmt.Println(t)
	fmt.Printf("%d of %d known images described\n", described, total)
	return nil
}

// summarize fits the outcome of an analysis on one line.
func summarize(img *imganalyzer.Image) string {
	result := img.Description
	if img.LastError != "" {
		result = "error: " + img.LastError
	}
	result = strings.Join(strings.Fields(result), " ")
	if r := []rune(result); len(r) > 60 {
		result = string(r[:57]) + "..."
	}
	return result
}
