// Package console implements the operator admin console named in
// SPEC_FULL.md §A: an interactive line editor (peterh/liner, the
// teacher's own interactive-input library) dispatching a small,
// hand-rolled STATS/LINKS/WHO/REHASH/KILL command table rather than
// pkg/minicli's pattern-matching compiler, whose core was never
// captured intact by the retrieval pack (see DESIGN.md's deleted-
// pkg/minicli entry).
package console

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/peterh/liner"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

// CLIFunc is one console command's body; it returns the text to print
// (sans trailing newline) or an error to report instead.
type CLIFunc func(args []string) (string, error)

// Command is one registered console command.
type Command struct {
	Name      string
	HelpShort string
	Call      CLIFunc
}

// Console owns the registered command table and the liner-backed
// input loop.
type Console struct {
	commands map[string]*Command
	prompt   string
}

// New returns a console with the given operator prompt (e.g.
// "ithildind$ ").
func New(prompt string) *Console {
	return &Console{commands: make(map[string]*Command), prompt: prompt}
}

// Register adds cmd to the command table.
func (c *Console) Register(cmd *Command) {
	c.commands[strings.ToUpper(cmd.Name)] = cmd
}

// names returns every registered command name, sorted, for
// tab-completion and HELP output.
func (c *Console) names() []string {
	names := make([]string, 0, len(c.commands))
	for n := range c.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// dispatch parses one input line and runs its command, returning the
// output text (or an error message) to print.
func (c *Console) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	name := strings.ToUpper(fields[0])
	if name == "HELP" {
		return c.help()
	}
	cmd, ok := c.commands[name]
	if !ok {
		return fmt.Sprintf("unknown command %q (try HELP)", fields[0])
	}
	out, err := cmd.Call(fields[1:])
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

func (c *Console) help() string {
	var b strings.Builder
	for _, n := range c.names() {
		fmt.Fprintf(&b, "%-10s %s\n", n, c.commands[n].HelpShort)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run drives the interactive prompt loop until EOF or the "quit"
// command, writing output to out.
func (c *Console) Run(out io.Writer) {
	input := liner.NewLiner()
	defer input.Close()

	input.SetCtrlCAborts(true)
	input.SetCompleter(func(line string) []string {
		var matches []string
		for _, n := range c.names() {
			if strings.HasPrefix(n, strings.ToUpper(line)) {
				matches = append(matches, n)
			}
		}
		return matches
	})

	for {
		line, err := input.Prompt(c.prompt)
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Error("console: read: %v", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}

		if reply := c.dispatch(line); reply != "" {
			fmt.Fprintln(out, reply)
		}
	}
}
