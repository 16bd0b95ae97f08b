package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Confirmer asks the operator to approve a destructive step.
type Confirmer interface {
	// Confirm returns true when the prompt is accepted. When assumeYes is
	// set it returns true without asking.
	Confirm(prompt string, assumeYes bool) bool
}

// ConsoleConfirmer asks on a line-oriented console.
type ConsoleConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleConfirmer returns a pointer to a new [ConsoleConfirmer].
func NewConsoleConfirmer(in io.Reader, out io.Writer) *ConsoleConfirmer {
	return &ConsoleConfirmer{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Confirm accepts "y", "Y" and "yes". Anything else, including a failed
// read, declines.
func (c *ConsoleConfirmer) Confirm(prompt string, assumeYes bool) bool {
	if assumeYes {
		return true
	}

	fmt.Fprintf(c.out, "%s [y/N] ", prompt)

	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(c.out)

		return false
	}

	switch strings.TrimSpace(line) {
	case "y", "Y", "yes":
		return true
	default:
		return false
	}
}
