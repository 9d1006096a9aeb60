package stage

import (
	"fmt"
	"strings"

	"github.com/rendis/sonda/pkg/schema"
)

// frame builds the natural-language task input for the external service from
// the stage request. The engine already shaped the predecessor payload and
// knowledge context; framing only names the operation per stage kind.
func (a *adapter) frame(req schema.StageRequest) string {
	var b strings.Builder

	switch a.kind {
	case schema.StageKindRetrieval:
		fmt.Fprintf(&b, "Search the web and gather source material for: %s", req.Query)
	case schema.StageKindAnalysis:
		fmt.Fprintf(&b, "Analyze the gathered material for the research question: %s", req.Query)
	case schema.StageKindVerification:
		fmt.Fprintf(&b, "Fact-check the analysis for the research question: %s", req.Query)
	case schema.StageKindSynthesis:
		fmt.Fprintf(&b, "Write the final research report for: %s", req.Query)
	}

	if len(req.Input) > 0 {
		b.WriteString("\n\nUpstream result:\n")
		b.Write(req.Input)
	}
	if len(req.Context) > 0 {
		b.WriteString("\n\nRelated knowledge:\n")
		b.Write(req.Context)
	}
	if req.Partial {
		b.WriteString("\n\nNote: part of the upstream input is missing or degraded; flag conclusions that rest on it.")
	}
	return b.String()
}
