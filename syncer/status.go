package syncer

import "strings"

// DefaultStatusKey is the status map entry used when a remote status has no mapping.
const DefaultStatusKey = "default"

var terminalStatuses = []string{"resolved", "cancelled"}

// StatusMapper translates remote ticket status names into case statuses.
type StatusMapper struct {
	exact    map[string]string
	folded   map[string]string
	fallback string
}

func NewStatusMapper(m map[string]string) StatusMapper {
	sm := StatusMapper{
		exact:  make(map[string]string, len(m)),
		folded: make(map[string]string, len(m)),
	}
	for k, v := range m {
		if k == DefaultStatusKey {
			sm.fallback = v
			continue
		}
		sm.exact[k] = v
		sm.folded[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return sm
}

// Map returns the case status for a remote status name. Exact keys win over
// case-insensitive ones; unknown names fall back to the default entry, which
// may be empty.
func (s StatusMapper) Map(remote string) string {
	if v, ok := s.exact[remote]; ok {
		return v
	}
	if v, ok := s.folded[strings.ToLower(strings.TrimSpace(remote))]; ok {
		return v
	}
	return s.fallback
}

// IsTerminalStatus reports whether a case status ends the case's lifecycle.
func IsTerminalStatus(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	for _, t := range terminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}
