package syncer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxSummaryLen is the longest ticket summary the ticketing system accepts.
const MaxSummaryLen = 100

type SummaryOptions struct {
	Prefix            string
	IncludeTenant     bool
	IncludeCaseNumber bool
}

// BuildSummary prepends, innermost first, the prefix, [tenant], [case number]
// and [tier] to the case name, then clips to MaxSummaryLen.
func BuildSummary(name string, opts SummaryOptions, tenant, caseNumber, tier string) string {
	s := collapseSpace(name)
	if p := collapseSpace(opts.Prefix); p != "" {
		s = p + " " + s
	}
	if opts.IncludeTenant && strings.TrimSpace(tenant) != "" {
		s = fmt.Sprintf("[%s] %s", strings.TrimSpace(tenant), s)
	}
	if opts.IncludeCaseNumber && strings.TrimSpace(caseNumber) != "" {
		s = fmt.Sprintf("[%s] %s", strings.TrimSpace(caseNumber), s)
	}
	if tier != "" {
		s = fmt.Sprintf("[%s] %s", tier, s)
	}
	return ClipRunes(strings.TrimSpace(s), MaxSummaryLen)
}

// ClipRunes cuts s to at most n runes.
func ClipRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// BuildInitialNote is the first note posted on a new ticket.
func BuildInitialNote(caseSummary, tenant, caseURL string, alerts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n%s\n\n", caseSummary, tenant, caseURL)
	for _, a := range alerts {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	return b.String()
}

// FormatAuditComment renders an audit entry as a case comment.
func FormatAuditComment(e AuditEntry) string {
	return fmt.Sprintf("RTS audit record\nType: %s Subtype: %s Time: %s By: %s\n[%s]",
		e.Type, e.SubType, e.EnteredDate, e.EnteredBy, e.Text)
}

func TicketCreatedComment(ticketID string) string {
	return fmt.Sprintf("Ticket created: [%s]", ticketID)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
