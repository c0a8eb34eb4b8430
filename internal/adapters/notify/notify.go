package notify

import (
	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// Multi fans an escalation out to every configured channel.
type Multi []ports.Notifier

func (m Multi) Notify(e domain.Escalation) {
	for _, n := range m {
		n.Notify(e)
	}
}

// ParseSeverity maps a config string to a severity, defaulting to info so a
// typo widens the filter instead of silencing it.
func ParseSeverity(s string) domain.Severity {
	switch s {
	case "critical":
		return domain.SeverityCritical
	case "warning":
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarning:
		return 1
	default:
		return 0
	}
}

func tag(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "CRIT"
	case domain.SeverityWarning:
		return "WARN"
	default:
		return "INFO"
	}
}
