package publish

import (
	"fmt"
	"strings"

	"github.com/tbowman01/shared-github-actions/pkg/posture"
)

// StatusBlock renders the compliance-status section for the verification
// document from the posture of the latest snapshot. Links are relative to the
// ledger root.
func StatusBlock(summary posture.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "_Generated from snapshot [%s](snapshots/%s/%s)._\n\n", summary.Date, summary.Date, IndexMarkdown)
	fmt.Fprintf(&b, "Policy drift check: %s\n\n", driftLine(summary.Drift))
	b.WriteString("| Framework | Version | Controls | Evidenced | Pending |\n|---|---|---|---|---|\n")
	for _, fw := range summary.Frameworks {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d |\n", fw.Framework, fw.Version, fw.Controls, fw.Evidenced, fw.Pending)
	}

	var absent []string
	for _, a := range summary.Artifacts {
		if !a.Present {
			absent = append(absent, a.Name)
		}
	}
	if len(absent) > 0 {
		fmt.Fprintf(&b, "\nOptional artifacts unavailable: %s\n", strings.Join(absent, ", "))
	}
	return b.String()
}
