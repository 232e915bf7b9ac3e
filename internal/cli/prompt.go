// Package cli holds the small interactive prompts the command line uses.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter returns a prompter reading from in and writing to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

func (p *Prompter) answer() (string, error) {
	response, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || response == "") {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimSpace(strings.ToLower(response)), nil
}

// Confirm asks a yes/no question. An empty answer picks the default.
func (p *Prompter) Confirm(prompt string, defaultYes bool) (bool, error) {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(p.out, "%s %s ", prompt, suffix)

	response, err := p.answer()
	if err != nil {
		return false, err
	}
	if response == "" {
		return defaultYes, nil
	}
	return response == "y" || response == "yes", nil
}

// SelectOption represents an option in a selection list.
type SelectOption struct {
	Value string
	Label string
}

// Select displays a numbered list and returns the chosen option's Value,
// or "" when the user cancels.
func (p *Prompter) Select(prompt string, options []SelectOption) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("no options provided")
	}

	fmt.Fprintf(p.out, "%s\n\n", prompt)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt.Label)
	}
	fmt.Fprint(p.out, "\nEnter number (or 'q' to cancel): ")

	response, err := p.answer()
	if err != nil {
		return "", err
	}
	switch response {
	case "", "q", "quit", "cancel":
		return "", nil
	}

	num, err := strconv.Atoi(response)
	if err != nil || num < 1 || num > len(options) {
		return "", fmt.Errorf("invalid selection: %s", response)
	}
	return options[num-1].Value, nil
}
