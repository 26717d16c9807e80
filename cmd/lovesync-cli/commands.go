package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// editor is the part of the client the commands drive.
type editor interface {
	Content() string
	Revision() int64
	Pending() int
	Title() string
	Insert(pos int, text string) error
	Delete(pos, n int) error
	Replace(content string) error
	SetTitle(title string) error
	SetStatus(status bool) error
	Sync() error
	History(since int64, limit int) error
}

const help = `commands:
  show                      print the diary
  insert <pos> <text>       insert text at a byte offset
  append <text>             add text at the end
  delete <pos> [len]        delete len bytes (default 1)
  replace <text>            replace the whole text
  title <text>              rename the diary
  status on|off             tell your partner you are writing
  sync                      reload from the server
  history [since] [limit]   list accepted edits
  exit                      leave`

func execute(e editor, line string, out io.Writer) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		fmt.Fprintln(out, help)
	case "show":
		fmt.Fprintf(out, "%s (r%d, %d pending)\n%s\n", e.Title(), e.Revision(), e.Pending(), e.Content())
	case "insert":
		posArg, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			return false, fmt.Errorf("usage: insert <pos> <text>")
		}
		pos, err := strconv.Atoi(posArg)
		if err != nil {
			return false, fmt.Errorf("bad position %q", posArg)
		}
		return false, e.Insert(pos, text)
	case "append":
		if rest == "" {
			return false, fmt.Errorf("usage: append <text>")
		}
		return false, e.Insert(len(e.Content()), rest)
	case "delete":
		args := strings.Fields(rest)
		if len(args) == 0 || len(args) > 2 {
			return false, fmt.Errorf("usage: delete <pos> [len]")
		}
		nums, err := atois(args)
		if err != nil {
			return false, err
		}
		n := 1
		if len(nums) == 2 {
			n = nums[1]
		}
		return false, e.Delete(nums[0], n)
	case "replace":
		return false, e.Replace(rest)
	case "title":
		return false, e.SetTitle(rest)
	case "status":
		switch rest {
		case "on":
			return false, e.SetStatus(true)
		case "off":
			return false, e.SetStatus(false)
		}
		return false, fmt.Errorf("usage: status on|off")
	case "sync":
		return false, e.Sync()
	case "history":
		nums, err := atois(strings.Fields(rest))
		if err != nil {
			return false, err
		}
		var since int64
		limit := 0
		if len(nums) > 0 {
			since = int64(nums[0])
		}
		if len(nums) > 1 {
			limit = nums[1]
		}
		return false, e.History(since, limit)
	case "exit", "quit":
		return true, nil
	default:
		return false, fmt.Errorf("command unknown: %s", cmd)
	}
	return false, nil
}

func atois(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out = append(out, n)
	}
	return out, nil
}
