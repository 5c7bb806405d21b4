package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// Static serves a credential taken verbatim from configuration.
type Static struct {
	Token   string
	Cookies map[string]string
	Extra   map[string]string
}

func (s Static) Fetch(context.Context) (Credential, error) {
	c := Credential{BearerToken: strings.TrimSpace(s.Token)}
	if len(s.Cookies) > 0 {
		c.Cookies = make(map[string]string, len(s.Cookies))
		for k, v := range s.Cookies {
			c.Cookies[k] = v
		}
	}
	if len(s.Extra) > 0 {
		c.Extra = make(map[string]string, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	if c.IsZero() {
		return Credential{}, ErrNoCredential
	}
	return c, nil
}

// CommandOutput is what an external login helper prints on stdout.
type CommandOutput struct {
	Cookies map[string]string `json:"cookies"`
	Token   string            `json:"token"`
	Extra   map[string]string `json:"extra"`
}

// Command delegates login to an external program, typically a headless
// browser script that solves the provider's interactive sign-in.
type Command struct {
	Provider string
	Args     []string
	Env      []string
}

func (c Command) Fetch(ctx context.Context) (Credential, error) {
	if len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == "" {
		return Credential{}, errors.New("login command not configured")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Env = append(os.Environ(), "CHATBRIDGE_PROVIDER="+c.Provider)
	cmd.Env = append(cmd.Env, c.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Credential{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return Credential{}, fmt.Errorf("login command failed: %w: %s", err, msg)
	}
	var out CommandOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return Credential{}, fmt.Errorf("decode login command output: %w", err)
	}
	cred := Credential{Cookies: out.Cookies, BearerToken: strings.TrimSpace(out.Token), Extra: out.Extra}
	if cred.IsZero() {
		return Credential{}, errors.New("login command returned an empty credential")
	}
	return cred, nil
}

// Chain tries each source in order and returns the first success.
type Chain []Source

func (ch Chain) Fetch(ctx context.Context) (Credential, error) {
	var errs []error
	for i, src := range ch {
		if src == nil {
			continue
		}
		c, err := src.Fetch(ctx)
		if err == nil && !c.IsZero() {
			return c, nil
		}
		if err == nil {
			err = ErrNoCredential
		}
		log.Debug("credential source failed", "index", i, "source", fmt.Sprintf("%T", src), "err", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return Credential{}, ErrNoCredential
	}
	return Credential{}, errors.Join(errs...)
}
