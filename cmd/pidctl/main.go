// Command pidctl is the operator CLI for the identifier service. It speaks
// the same ANVL-over-HTTP protocol as any other client.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pidserv/pkg/anvl"
)

// Exit codes: 1 usage, 2 configuration, 3 server or network failure.
const (
	exitUsage   = 1
	exitConfig  = 2
	exitNetwork = 3
)

type cli struct {
	server   string
	username string
	password string
	timeout  time.Duration
}

func main() {
	c := &cli{}

	root := &cobra.Command{
		Use:           "pidctl",
		Short:         "Manage persistent identifiers over the service HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.server, "server",
		envOr("PIDSERV_SERVER", "http://localhost:8080"), "service base URL")
	root.PersistentFlags().StringVar(&c.username, "username",
		os.Getenv("PIDSERV_USERNAME"), "basic auth username")
	root.PersistentFlags().StringVar(&c.password, "password",
		os.Getenv("PIDSERV_PASSWORD"), "basic auth password")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second,
		"request timeout")

	root.AddCommand(
		c.mintCmd(), c.createCmd(), c.viewCmd(), c.updateCmd(),
		c.deleteCmd(), c.statusCmd(), c.pauseCmd(), c.queueCmd(),
		c.shoulderCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pidctl:", err)
		var se *serverError
		switch {
		case errors.As(err, &se):
			os.Exit(exitNetwork)
		case errors.Is(err, errConfig):
			os.Exit(exitConfig)
		default:
			os.Exit(exitUsage)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var errConfig = errors.New("configuration error")

// serverError covers transport failures and non-2xx responses alike.
type serverError struct {
	msg string
}

func (e *serverError) Error() string { return e.msg }

func (c *cli) mintCmd() *cobra.Command {
	var data []string
	cmd := &cobra.Command{
		Use:   "mint <shoulder>",
		Short: "Mint a new identifier under a shoulder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := anvlBody(data)
			if err != nil {
				return err
			}
			return c.do(cmd.OutOrStdout(), http.MethodPost, "/shoulder/"+args[0], body)
		},
	}
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil,
		"metadata element as key=value, repeatable")
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	var data []string
	var updateIfExists bool
	cmd := &cobra.Command{
		Use:   "create <identifier>",
		Short: "Register an identifier chosen by the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := anvlBody(data)
			if err != nil {
				return err
			}
			path := "/id/" + args[0]
			if updateIfExists {
				path += "?update_if_exists=yes"
			}
			return c.do(cmd.OutOrStdout(), http.MethodPut, path, body)
		},
	}
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil,
		"metadata element as key=value, repeatable")
	cmd.Flags().BoolVar(&updateIfExists, "update-if-exists", false,
		"update instead of failing when the identifier exists")
	return cmd
}

func (c *cli) viewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <identifier>",
		Short: "Print an identifier's metadata record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.OutOrStdout(), http.MethodGet, "/id/"+args[0], "")
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	var data []string
	cmd := &cobra.Command{
		Use:   "update <identifier>",
		Short: "Apply a metadata delta; an empty value removes the element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := anvlBody(data)
			if err != nil {
				return err
			}
			return c.do(cmd.OutOrStdout(), http.MethodPost, "/id/"+args[0], body)
		},
	}
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil,
		"metadata element as key=value, repeatable")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <identifier>",
		Short: "Delete an identifier (reserved only, unless administrator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.OutOrStdout(), http.MethodDelete, "/id/"+args[0], "")
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service health and queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.OutOrStdout(), http.MethodGet, "/status", "")
		},
	}
}

func (c *cli) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "pause [on|off]",
		Short:     "Report or toggle the global operation pause",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/pause"
			if len(args) == 1 {
				path += "?op=" + args[0]
			}
			return c.do(cmd.OutOrStdout(), http.MethodGet, path, "")
		},
	}
}

func (c *cli) queueCmd() *cobra.Command {
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the registrar queues",
	}
	queue.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List per-registrar queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf strings.Builder
			if err := c.do(&buf, http.MethodGet, "/status", ""); err != nil {
				return err
			}
			for _, line := range strings.Split(buf.String(), "\n") {
				if k, _, ok := strings.Cut(line, ":"); ok && strings.HasSuffix(k, "_queue") {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			return nil
		},
	})
	return queue
}

func (c *cli) shoulderCmd() *cobra.Command {
	shoulder := &cobra.Command{
		Use:   "shoulder",
		Short: "Manage mintable namespaces",
	}
	var data []string
	create := &cobra.Command{
		Use:   "create <prefix>",
		Short: "Provision a shoulder and its minter (administrators only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := anvlBody(data)
			if err != nil {
				return err
			}
			return c.do(cmd.OutOrStdout(), http.MethodPut, "/shoulder/"+args[0], body)
		},
	}
	create.Flags().StringArrayVarP(&data, "data", "d", nil,
		"shoulder attribute (name, mask, profile, agency, datacenter) as key=value")
	shoulder.AddCommand(create)
	return shoulder
}

// anvlBody turns repeated key=value flags into an ANVL record.
func anvlBody(data []string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	d := make(map[string]string, len(data))
	for _, kv := range data {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return "", fmt.Errorf("bad --data value %q, want key=value", kv)
		}
		d[k] = v
	}
	return anvl.Format(d), nil
}

// do performs one API request and streams the response body to out. Every
// response is ANVL, so the body is printable as-is.
func (c *cli) do(out io.Writer, method, path, body string) error {
	if c.server == "" {
		return fmt.Errorf("%w: --server is required", errConfig)
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(c.server, "/")+path,
		strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return &serverError{msg: err.Error()}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &serverError{msg: "read response: " + err.Error()}
	}
	fmt.Fprint(out, string(b))
	if resp.StatusCode >= 300 {
		return &serverError{msg: "server returned " + resp.Status}
	}
	return nil
}
