package collaborators

import (
	"regexp"
	"strings"

	"github.com/zumen-connect/drawing-worker/internal/pipeline"
)

// Title blocks on Japanese engineering drawings carry a small set of known
// labels. Rules run before the model: a label match is grounded in the
// document and always wins over a generated value.
var labelPatterns = []struct {
	re  *regexp.Regexp
	set func(f *pipeline.DrawingFields, v string)
}{
	{regexp.MustCompile(`名称\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { f.Title = v }},
	{regexp.MustCompile(`品名\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { f.PartName = v }},
	{regexp.MustCompile(`図番\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { f.DrawingNo = v }},
	{regexp.MustCompile(`材質\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { f.Material = v }},
	{regexp.MustCompile(`表面処理\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { f.SurfaceTreatment = v }},
	{regexp.MustCompile(`熱処理\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { appendNote(f, v) }},
	{regexp.MustCompile(`処理指示\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { appendNote(f, v) }},
	{regexp.MustCompile(`出図日\s*[:：]?\s*(\S.*)`), func(f *pipeline.DrawingFields, v string) { f.IssueDate = v }},
}

var drawingNoPattern = regexp.MustCompile(`\d{4}-\d{4}`)

func appendNote(f *pipeline.DrawingFields, v string) {
	if f.ProcessNote != "" {
		f.ProcessNote += " / "
	}
	f.ProcessNote += v
}

// extractByRules scans the OCR text line by line for title-block labels.
// Later occurrences do not overwrite earlier ones; the title block is usually
// the first hit and repeats elsewhere are annotations.
func extractByRules(text string) *pipeline.DrawingFields {
	fields := &pipeline.DrawingFields{}
	seen := make(map[int]bool, len(labelPatterns))

	for _, line := range strings.Split(text, "\n") {
		for i, lp := range labelPatterns {
			if seen[i] {
				continue
			}
			m := lp.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			value := strings.TrimSpace(m[1])
			if value == "" {
				continue
			}
			lp.set(fields, value)
			seen[i] = true
		}
	}

	// drawing numbers follow a fixed NNNN-NNNN format; fall back to a bare
	// match anywhere in the text when no 図番 label was found
	if fields.DrawingNo == "" {
		if m := drawingNoPattern.FindString(text); m != "" {
			fields.DrawingNo = m
		}
	}

	return fields
}

// rulesComplete reports whether the rule pass found enough that the model
// call can be skipped.
func rulesComplete(f *pipeline.DrawingFields) bool {
	return f.Title != "" && f.DrawingNo != "" && f.Material != ""
}
