package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tomhay/moltworker/internal/auth"
	"github.com/tomhay/moltworker/pkg/client"
	"github.com/tomhay/moltworker/pkg/template"
)

// command binds CLI handlers to a client factory so tests can point them at httptest servers.
type command struct {
	newClient func(APIFlags) *client.Client
}

func newCommand() command {
	return command{newClient: apiClient}
}

func apiClient(f APIFlags) *client.Client {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.AdminBase != "" {
		cfg.AdminBase = f.AdminBase
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cfg.Insecure = f.Insecure
	cfg.Username = f.Username
	cfg.Password = f.Password
	cfg.Token = f.Token
	return client.New(cfg)
}

func (c command) reachable(ctx context.Context, f APIFlags) (*client.Client, error) {
	cl := c.newClient(f)
	if !cl.IsReachable(ctx) {
		url := f.APIUrl
		if url == "" {
			url = client.DefaultConfig().BaseURL
		}
		return nil, fmt.Errorf("proxy not reachable at %s - please start it first with 'moltworker serve'", url)
	}
	return cl, nil
}

// Status prints the gateway state as reported by the proxy.
func (c command) Status(ctx context.Context, f APIFlags) error {
	cl, err := c.reachable(ctx, f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func (c command) Processes(ctx context.Context, f ProcessesFlags) error {
	cl, err := c.reachable(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	procs, err := cl.Processes(ctx, f.Logs)
	if err != nil {
		return err
	}
	printJSON(procs)
	return nil
}

func (c command) Logs(ctx context.Context, f LogsFlags) error {
	if f.ID == "" {
		return fmt.Errorf("process id is required")
	}
	cl, err := c.reachable(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	logs, err := cl.Logs(ctx, f.ID)
	if err != nil {
		return err
	}
	printJSON(logs)
	return nil
}

// Restart kills the gateway instances and lets the proxy relaunch one.
func (c command) Restart(ctx context.Context, f APIFlags) error {
	cl, err := c.reachable(ctx, f)
	if err != nil {
		return err
	}
	res, err := cl.Restart(ctx)
	if err != nil {
		return err
	}
	printJSON(res)
	return nil
}

func (c command) Env(ctx context.Context, f APIFlags) error {
	cl, err := c.reachable(ctx, f)
	if err != nil {
		return err
	}
	keys, err := cl.EnvKeys(ctx)
	if err != nil {
		return err
	}
	printJSON(keys)
	return nil
}

// Login prints a bearer token for --token. Client credentials win over
// --username/--password when both are given.
func (c command) Login(ctx context.Context, f LoginFlags) error {
	req := client.LoginRequest{Method: "basic", Username: f.Username, Password: f.Password}
	if f.ClientID != "" {
		req = client.LoginRequest{Method: "client_secret", ClientID: f.ClientID, ClientSecret: f.ClientSecret}
	} else if f.Username == "" {
		return fmt.Errorf("either --username or --client-id is required")
	}
	cl, err := c.reachable(ctx, APIFlags{
		APIUrl: f.APIUrl, AdminBase: f.AdminBase, APITimeout: f.APITimeout, Insecure: f.Insecure,
	})
	if err != nil {
		return err
	}
	res, err := cl.Login(ctx, req)
	if err != nil {
		return err
	}
	printJSON(res.Token)
	return nil
}

// HashPassword prints a bcrypt hash for auth.users[].password_hash. The
// password is read from in when not given as a flag.
func (c command) HashPassword(f HashPasswordFlags, in io.Reader) error {
	pw := f.Password
	if pw == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	h, err := auth.HashPassword(pw, f.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, h)
	return nil
}

// Init writes a starter config file for the chosen preset.
func (c command) Init(f InitFlags) error {
	b, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type), template.Options{
		Command: f.Command,
		Port:    f.Port,
		Token:   f.Token,
	})
	if err != nil {
		return err
	}
	if f.Output == "-" {
		_, err = stdout.Write(b)
		return err
	}
	if !f.Force {
		if _, err := os.Stat(f.Output); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", f.Output)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	// the file carries the gateway token
	if err := os.WriteFile(f.Output, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s (%s)\n", f.Output, f.Type)
	return nil
}
