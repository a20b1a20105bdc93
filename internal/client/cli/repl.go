package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

var errExit = errors.New("exit")

// execIface is the command surface the REPL drives.
type execIface interface {
	Exec(ctx context.Context, cmd, rest string) error
}

// runREPL reads one command per line and hands it to a. The loop ends on
// EOF, on "exit" or "quit", or when ctx is done. Handler errors are printed
// and the loop carries on.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for ctx.Err() == nil {
		printlnFn(fmt.Sprintf("bk (%s) > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		cmd, rest := splitCommand(scanner.Text())
		if cmd == "" {
			continue
		}
		err := a.Exec(ctx, cmd, rest)
		if errors.Is(err, errExit) {
			printlnFn("Bye!")
			return
		}
		if err != nil {
			printlnFn("error:", err)
		}
	}
}

// splitCommand cuts line into its first word and the untouched remainder,
// so JSON arguments keep their spaces.
func splitCommand(line string) (cmd, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
