package notify

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// Console implements ports.Notifier on stdout. Escalations arrive from
// several goroutines at once; the mutex keeps lines from interleaving.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	min   domain.Severity
	table bool
}

// NewConsole creates a notifier that writes to stdout. With table enabled,
// critical escalations render their context as a table instead of a
// single line.
func NewConsole(minSeverity string, table bool) *Console {
	return &Console{out: os.Stdout, min: ParseSeverity(minSeverity), table: table}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, minSeverity string, table bool) *Console {
	return &Console{out: w, min: ParseSeverity(minSeverity), table: table}
}

func (c *Console) Notify(e domain.Escalation) {
	if severityRank(e.Severity) < severityRank(c.min) {
		return
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.table && e.Severity == domain.SeverityCritical {
		c.printFull(e, at)
		return
	}
	c.printCompact(e, at)
}

// printCompact emits one line per escalation, context keys sorted so the
// output is stable across runs.
func (c *Console) printCompact(e domain.Escalation, at time.Time) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s", at.Format("15:04:05"), tag(e.Severity), e.Subject)
	for _, k := range sortedKeys(e.Context) {
		fmt.Fprintf(&sb, " | %s=%s", k, e.Context[k])
	}
	fmt.Fprintln(c.out, sb.String())
}

func (c *Console) printFull(e domain.Escalation, at time.Time) {
	fmt.Fprintf(c.out, "\n[%s] %s %s\n", at.Format("15:04:05"), tag(e.Severity), e.Subject)
	if len(e.Context) == 0 {
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Field", "Value")
	for _, k := range sortedKeys(e.Context) {
		table.Append(k, e.Context[k])
	}
	table.Render()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
