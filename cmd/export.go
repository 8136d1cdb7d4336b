package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

// exportLimit caps the entities read for one run.
const exportLimit = 10000

var leadHeaders = []string{
	"Kind", "Name", "Company", "Title", "Department", "Seniority", "Email",
	"Website", "City", "State", "Industry", "Employees", "Persona", "Score", "Tier", "Source",
}

var personaHeaders = []string{"Rank", "Title", "Description", "Industries", "Sizes", "Departments", "Seniority", "Keywords"}

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write a run's leads and personas to an xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		runID := args[0]
		matchedOnly, _ := cmd.Flags().GetBool("matched-only")
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = fmt.Sprintf("leads-%s.xlsx", truncateID(runID))
		}

		if _, err := st.GetRun(ctx, runID); err != nil {
			return eris.Wrap(err, "export: load run")
		}
		profiles, err := st.ListProfiles(ctx, runID)
		if err != nil {
			return eris.Wrap(err, "export: load profiles")
		}
		entities, err := st.ListEntities(ctx, store.EntityFilter{RunID: runID, Limit: exportLimit})
		if err != nil {
			return eris.Wrap(err, "export: load entities")
		}

		f, rows, err := buildWorkbook(profiles, entities, matchedOnly)
		if err != nil {
			return err
		}
		if err := f.Save(out); err != nil {
			return eris.Wrapf(err, "export: save %s", out)
		}
		fmt.Printf("wrote %d lead(s) and %d persona(s) to %s\n", rows, len(profiles), out)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output path (default leads-<run>.xlsx)")
	exportCmd.Flags().Bool("matched-only", false, "only export entities assigned to a persona")
	rootCmd.AddCommand(exportCmd)
}

// buildWorkbook lays out a Leads sheet and a Personas sheet. It returns the
// number of lead rows written.
func buildWorkbook(profiles []model.SegmentProfile, entities []model.Entity, matchedOnly bool) (*xlsx.File, int, error) {
	f := xlsx.NewFile()

	leads, err := f.AddSheet("Leads")
	if err != nil {
		return nil, 0, eris.Wrap(err, "export: add leads sheet")
	}
	addStringRow(leads, leadHeaders)

	titles := make(map[string]string, len(profiles))
	for _, p := range profiles {
		titles[p.ID] = p.Title
	}
	businesses := make(map[string]string)
	for _, e := range entities {
		if e.Kind == model.EntityKindBusiness {
			businesses[e.ID] = e.Name
		}
	}

	n := 0
	for _, e := range entities {
		if matchedOnly && e.PersonaID == nil {
			continue
		}
		persona := ""
		if e.PersonaID != nil {
			persona = titles[*e.PersonaID]
		}
		company := ""
		if e.Kind == model.EntityKindContact {
			company = businesses[e.ParentID]
		}

		row := leads.AddRow()
		for _, v := range []string{
			string(e.Kind), e.Name, company, e.Title, e.Department, e.Seniority, e.Email,
			e.Website, e.City, e.State, e.Industry,
		} {
			row.AddCell().SetString(v)
		}
		row.AddCell().SetInt(e.EmployeeCount)
		row.AddCell().SetString(persona)
		row.AddCell().SetInt(e.MatchScore)
		row.AddCell().SetString(string(e.MatchTier))
		row.AddCell().SetString(e.Source)
		n++
	}

	sheet, err := f.AddSheet("Personas")
	if err != nil {
		return nil, 0, eris.Wrap(err, "export: add personas sheet")
	}
	addStringRow(sheet, personaHeaders)
	for _, p := range profiles {
		row := sheet.AddRow()
		row.AddCell().SetInt(p.Rank)
		for _, v := range []string{
			p.Title, p.Description,
			strings.Join(p.Industries, ", "),
			strings.Join(p.CompanySizes, ", "),
			strings.Join(p.Departments, ", "),
			strings.Join(p.Seniorities, ", "),
			strings.Join(p.Keywords, ", "),
		} {
			row.AddCell().SetString(v)
		}
	}

	return f, n, nil
}

func addStringRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
