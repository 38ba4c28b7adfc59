package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNoTerminal = errors.New("no terminal available for interactive password prompt (use --password-file)")

// readPassword reads a secret from path, or prompts on the terminal when
// path is empty or "-".
func readPassword(path, prompt string) (string, error) {
	if path != "" && path != "-" {
		return readSecretFile(path)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// readNewPassword returns the password and its confirmation. A password
// file supplies both; interactively the user types it twice.
func readNewPassword(path string) (password, confirm string, err error) {
	if path != "" && path != "-" {
		password, err = readSecretFile(path)
		return password, password, err
	}

	password, err = readPassword("", "New password: ")
	if err != nil {
		return "", "", err
	}
	confirm, err = readPassword("", "Confirm password: ")
	if err != nil {
		return "", "", err
	}
	return password, confirm, nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's flag
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
