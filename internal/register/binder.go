package register

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pidserv/internal/platform/config"
	"pidserv/internal/queue"
)

// BinderAdapter speaks the noid egg batch protocol: one command line per
// element binding, POSTed to the binder's "?-" endpoint, with the penultimate
// response line reporting "egg-status: 0" on success.
type BinderAdapter struct {
	cfg    config.RegistryConfig
	client *http.Client
}

func NewBinder(cfg config.RegistryConfig) *BinderAdapter {
	return &BinderAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *BinderAdapter) Registrar() queue.Registrar {
	return queue.Binder
}

func (b *BinderAdapter) Create(ctx context.Context, id string, metadata map[string]string) error {
	return b.setElements(ctx, id, metadata)
}

// Update rebinds every element. Setting an empty value removes the element,
// so the full snapshot replaces whatever the binder holds.
func (b *BinderAdapter) Update(ctx context.Context, id string, metadata map[string]string) error {
	return b.setElements(ctx, id, metadata)
}

func (b *BinderAdapter) Delete(ctx context.Context, id string, _ map[string]string) error {
	return b.issue(ctx, fmt.Sprintf(":hx%% %s.purge", encodeName(id)))
}

func (b *BinderAdapter) setElements(ctx context.Context, id string, metadata map[string]string) error {
	var lines []string
	for label, value := range metadata {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			lines = append(lines,
				fmt.Sprintf(":hx%% %s.rm %s", encodeName(id), encodeName(label)))
		} else {
			lines = append(lines,
				fmt.Sprintf(":hx%% %s.set %s %s", encodeName(id), encodeName(label), encodeValue(value)))
		}
	}
	return b.issue(ctx, lines...)
}

func (b *BinderAdapter) issue(ctx context.Context, commands ...string) error {
	body := strings.Join(commands, "\n")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+"?-",
		strings.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyResponse(resp); err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read egg response: %w", err)
	}
	// Success is reported in-band near the end of the output; the final line
	// may be a comment or blank.
	out := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	for i := len(out) - 1; i >= 0 && i >= len(out)-2; i-- {
		if out[i] == "egg-status: 0" {
			return nil
		}
	}
	return fmt.Errorf("unexpected egg response: %q", strings.Join(out, "\\n"))
}

// encodeValue percent-encodes element values the way the binder expects:
// non-graphic and non-ASCII bytes plus the egg shell metacharacters.
func encodeValue(s string) string {
	return binderEncode(s, `%'"\&@|;()[]=`)
}

// encodeName additionally encodes ":" and "<", required for identifiers and
// element names.
func encodeName(s string) string {
	return binderEncode(s, `%'"\&@|;()[]=:<`)
}

func binderEncode(s, special string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '!' || c > '~' || strings.IndexByte(special, c) >= 0 {
			fmt.Fprintf(&out, "%%%02X", c)
		} else {
			out.WriteByte(c)
		}
	}
	return out.String()
}
