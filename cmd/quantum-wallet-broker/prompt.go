package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const minPasswordLen = 8

func promptLineWithDefault(in *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}

	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return def
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// promptSecret reads a line from the terminal without echoing it.
func promptSecret(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)

	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)

	if err != nil {
		zeroBytes(b)
		return nil, fmt.Errorf("terminal input failed: %w", err)
	}
	return b, nil
}

func promptPassword(prompt string) ([]byte, error) {
	pw, err := promptSecret(prompt)
	if err != nil {
		return nil, err
	}
	if err := checkPassword(pw); err != nil {
		zeroBytes(pw)
		return nil, err
	}
	return pw, nil
}

func checkPassword(pw []byte) error {
	if len(pw) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters long", minPasswordLen)
	}
	for _, b := range pw {
		if b < 0x21 || b > 0x7e {
			return fmt.Errorf("password contains invalid characters (use letters, numbers, and special characters only)")
		}
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
