package excel

import (
	"fmt"
	"io"

	"goexp/domain/core"
	"goexp/domain/experiment"
	apperrors "goexp/internal/errors"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	resultsSheet = "Results"
)

var resultHeaders = []string{
	"Variant", "Control", "Metric", "Sample size", "Conversions", "Rate",
	"Absolute lift", "Relative lift", "p-value", "Significant", "CI lower", "CI upper", "Effect size", "Test", "Computed at",
}

// ResultsWriter renders an experiment's latest results into an xlsx workbook
type ResultsWriter struct {
	Exp      *experiment.Experiment
	Variants []experiment.Variant
	Results  []*experiment.Result
}

// WriteTo writes the workbook to w
func (rw *ResultsWriter) WriteTo(w io.Writer) (int64, error) {
	f, err := rw.build()
	if err != nil {
		return 0, apperrors.ExportError("xlsx", err)
	}
	defer f.Close()

	n, err := f.WriteTo(w)
	if err != nil {
		return n, apperrors.ExportError("xlsx", err)
	}
	return n, nil
}

// SaveAs writes the workbook to a file path
func (rw *ResultsWriter) SaveAs(path string) error {
	f, err := rw.build()
	if err != nil {
		return apperrors.ExportError("xlsx", err)
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return apperrors.ExportError("xlsx", err)
	}
	return nil
}

func (rw *ResultsWriter) build() (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if err := rw.writeSummary(f); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(resultsSheet); err != nil {
		return nil, err
	}
	if err := rw.writeResults(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (rw *ResultsWriter) writeSummary(f *excelize.File) error {
	exp := rw.Exp
	winner := ""
	if exp.WinnerVariantID != nil {
		if v := experiment.FindVariant(rw.Variants, *exp.WinnerVariantID); v != nil {
			winner = v.Name
		}
	}
	rows := [][]any{
		{"Experiment", exp.Name},
		{"ID", exp.ID.String()},
		{"Hypothesis", exp.Hypothesis},
		{"Kind", string(exp.Kind)},
		{"Status", string(exp.Status)},
		{"Primary metric", exp.PrimaryMetric},
		{"Confidence level", exp.ConfidenceLevel},
		{"Target sample size", exp.TargetSampleSize},
		{"Winner", winner},
		{"Winner reason", exp.WinnerReason},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(summarySheet, "A", "A", 22)
}

func (rw *ResultsWriter) writeResults(f *excelize.File) error {
	header := make([]any, len(resultHeaders))
	for i, h := range resultHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(resultHeaders), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(resultsSheet, "A1", last, bold); err != nil {
		return err
	}

	names := make(map[core.ID]experiment.Variant, len(rw.Variants))
	for _, v := range rw.Variants {
		names[v.ID] = v
	}

	for i, r := range rw.Results {
		v := names[r.VariantID]
		row := []any{
			v.Name, v.IsControl, r.MetricName, r.SampleSize, r.Conversions, r.MetricValue,
			optional(r.AbsoluteLift), optional(r.RelativeLift), optional(r.PValue), r.IsSignificant,
			optional(r.CILower), optional(r.CIUpper), optional(r.EffectSize), r.TestName,
			r.ComputedAt.Format("2006-01-02 15:04:05Z07:00"),
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SetColWidth(resultsSheet, "A", "O", 14)
}

// optional leaves the cell blank for values that could not be computed
func optional(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
