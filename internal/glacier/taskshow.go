package glacier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTaskStatusFormat is returned when task status output does not match
// the parser's expected layout.
var ErrTaskStatusFormat = errors.New("unexpected task status format")

// TaskStatusParser interprets one line of task status output. The output
// format belongs to the archival system, so each supported layout is a
// separate, versioned parser.
type TaskStatusParser interface {
	Version() string
	// ParseLine returns the failed path reported by line, if any.
	ParseLine(line string) (path string, failed bool, err error)
}

// codeDuplicateTask is reported for files already part of another task.
const codeDuplicateTask = "GLESM431E"

// TaskShowParserV1 parses `eeadm task show -r` output. Failure rows start
// with "Fail" and have six whitespace-separated columns, the last being the
// file name.
type TaskShowParserV1 struct{}

// Version implements TaskStatusParser.
func (TaskShowParserV1) Version() string { return "eeadm-task-show/v1" }

// ParseLine implements TaskStatusParser.
func (TaskShowParserV1) ParseLine(line string) (string, bool, error) {
	if !strings.HasPrefix(line, "Fail") {
		return "", false, nil
	}
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return "", false, fmt.Errorf("%w: %q", ErrTaskStatusFormat, line)
	}
	if fields[1] == codeDuplicateTask {
		return "", false, nil
	}
	return fields[5], true, nil
}
