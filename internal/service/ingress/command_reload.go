package ingress

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// commandReloader runs a configured command such as "nginx -s reload".
type commandReloader struct {
	argv []string
}

func newCommandReloader(command string) (*commandReloader, error) {
	argv, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty reload command")
	}
	return &commandReloader{argv: argv}, nil
}

func (r *commandReloader) Reload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(r.argv, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// parseCommand splits a command line honouring single quotes, double quotes and backslash escapes.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
		quoted   bool
	)
	for _, r := range command {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\' && !inSingle:
			escape = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			if current.Len() > 0 || quoted {
				tokens = append(tokens, current.String())
				current.Reset()
				quoted = false
			}
		default:
			current.WriteRune(r)
		}
	}
	if inSingle || inDouble || escape {
		return nil, fmt.Errorf("unterminated quote or escape in %q", command)
	}
	if current.Len() > 0 || quoted {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
