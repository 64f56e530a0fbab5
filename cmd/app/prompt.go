package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// readPassword prompts on stderr with echo disabled. With confirm set, the
// password is asked twice and must match.
func readPassword(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password prompt needs an interactive terminal")
	}

	first, err := askPassword(fd, prompt)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(first) == 0 {
		return "", errors.New("password is empty")
	}
	if confirm {
		second, err := askPassword(fd, "Confirm password: ")
		if err != nil {
			return "", fmt.Errorf("reading password confirmation: %w", err)
		}
		if !bytes.Equal(first, second) {
			return "", errors.New("passwords do not match")
		}
	}
	return string(first), nil
}

func askPassword(fd int, prompt string) ([]byte, error) {
	defer func() { _, _ = fmt.Fprintln(os.Stderr) }()
	_, _ = fmt.Fprint(os.Stderr, prompt)
	return term.ReadPassword(fd)
}
