// Package report renders experiment results as Markdown and HTML
package report

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"goexp/domain/experiment"
	apperrors "goexp/internal/errors"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

const resultsTemplate = `# {{.Exp.Name}}

{{if .Exp.Hypothesis}}> {{.Exp.Hypothesis}}

{{end}}| | |
|---|---|
| Status | {{.Exp.Status}} |
| Kind | {{.Exp.Kind}} |
| Metric | {{.Metric}} |
| Confidence level | {{pct .Exp.ConfidenceLevel}} |
| Target sample size | {{.Exp.TargetSampleSize}} per variant |
{{- if .Winner}}
| Winner | **{{.Winner}}** |
| Reason | {{.Exp.WinnerReason}} |
{{- end}}

## Results

{{if .Rows}}| Variant | Samples | Conversions | Rate | Lift | p-value | CI (abs. lift) | Significant |
|---|---:|---:|---:|---:|---:|---|:---:|
{{range .Rows}}| {{.Name}}{{if .IsControl}} (control){{end}} | {{.SampleSize}} | {{.Conversions}} | {{pct .Rate}} | {{.Lift}} | {{.PValue}} | {{.CI}} | {{if .Significant}}yes{{else}}no{{end}} |
{{end}}{{else}}No results computed yet.
{{end}}
_Computed {{.ComputedAt}} with {{.TestName}}._
`

var tmpl = template.Must(template.New("results").Funcs(template.FuncMap{
	"pct": func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) },
}).Parse(resultsTemplate))

type row struct {
	Name        string
	IsControl   bool
	SampleSize  int64
	Conversions int64
	Rate        float64
	Lift        string
	PValue      string
	CI          string
	Significant bool
}

// Results holds everything a results report shows
type Results struct {
	Exp      *experiment.Experiment
	Variants []experiment.Variant
	Results  []*experiment.Result
	Metric   string
}

// Markdown renders the report as GitHub-flavored Markdown
func (r *Results) Markdown() ([]byte, error) {
	data := struct {
		Exp        *experiment.Experiment
		Metric     string
		Winner     string
		Rows       []row
		ComputedAt string
		TestName   string
	}{Exp: r.Exp, Metric: r.Metric, ComputedAt: "never", TestName: "n/a"}

	if data.Metric == "" {
		data.Metric = r.Exp.PrimaryMetric
	}
	if r.Exp.WinnerVariantID != nil {
		if v := experiment.FindVariant(r.Variants, *r.Exp.WinnerVariantID); v != nil {
			data.Winner = v.Name
		}
	}

	for _, res := range r.Results {
		v := experiment.FindVariant(r.Variants, res.VariantID)
		if v == nil {
			continue
		}
		data.Rows = append(data.Rows, row{
			Name:        escapeCell(v.Name),
			IsControl:   v.IsControl,
			SampleSize:  res.SampleSize,
			Conversions: res.Conversions,
			Rate:        res.MetricValue,
			Lift:        percentOrNA(res.RelativeLift),
			PValue:      numberOrNA(res.PValue, "%.4f"),
			CI:          interval(res.CILower, res.CIUpper),
			Significant: res.IsSignificant,
		})
		data.ComputedAt = res.ComputedAt.UTC().Format("2006-01-02 15:04 MST")
		data.TestName = res.TestName
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, apperrors.ExportError("markdown", err)
	}
	return buf.Bytes(), nil
}

// HTML renders the report as a standalone HTML page
func (r *Results) HTML() ([]byte, error) {
	md, err := r.Markdown()
	if err != nil {
		return nil, err
	}
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.CompletePage | html.HrefTargetBlank,
		Title: r.Exp.Name + " results",
	})
	return markdown.ToHTML(md, p, renderer), nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func percentOrNA(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", *v*100)
}

func numberOrNA(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func interval(lo, hi *float64) string {
	if lo == nil || hi == nil {
		return "n/a"
	}
	return fmt.Sprintf("[%.4f, %.4f]", *lo, *hi)
}
