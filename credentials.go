package testserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// passwordLinePrefix starts every credential line printed by
// `elasticsearch-setup-passwords auto -b`, e.g. "PASSWORD elastic = s3cr3t".
const passwordLinePrefix = "PASSWORD "

// parsePasswordLine extracts the user and password of a credential line.
// Lines without the prefix are not credential lines.
func parsePasswordLine(line string) (user, password string, ok bool, err error) {
	if !strings.HasPrefix(line, passwordLinePrefix) {
		return "", "", false, nil
	}
	rest := line[len(passwordLinePrefix):]
	user, password, found := strings.Cut(rest, "=")
	if !found {
		return "", "", false, fmt.Errorf("malformed password line %q", line)
	}
	return strings.TrimSpace(user), strings.TrimSpace(password), true, nil
}

func parsePasswords(output []byte) (map[string]string, error) {
	passwords := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		user, password, ok, err := parsePasswordLine(sc.Text())
		if err != nil {
			return nil, err
		}
		if ok {
			passwords[user] = password
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return passwords, nil
}

// credentialStore runs the password bootstrap at most once and keeps its result.
type credentialStore struct {
	once      sync.Once
	command   func(ctx context.Context) (*exec.Cmd, error)
	passwords map[string]string
	err       error
}

func (c *credentialStore) load(ctx context.Context) (map[string]string, error) {
	c.once.Do(func() {
		cmd, err := c.command(ctx)
		if err != nil {
			c.err = fmt.Errorf("%w: %w", ErrCredentialBootstrap, err)
			return
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			c.err = fmt.Errorf("%w: running %s: %w", ErrCredentialBootstrap, cmd.Path, err)
			return
		}
		passwords, err := parsePasswords(out)
		if err != nil {
			c.err = fmt.Errorf("%w: %w", ErrCredentialBootstrap, err)
			return
		}
		c.passwords = passwords
	})
	return c.passwords, c.err
}

// password returns the bootstrapped password of user.
func (c *credentialStore) password(ctx context.Context, user string) (string, error) {
	passwords, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	password, ok := passwords[user]
	if !ok {
		return "", fmt.Errorf("%w: no password generated for user %q", ErrCredentialBootstrap, user)
	}
	return password, nil
}
