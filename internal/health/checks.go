package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/MrWong99/reelmix/pkg/encoding"
)

// Formats reports ready when reg can produce at least one format.
func Formats(reg *encoding.Registry) Checker {
	return Checker{
		Name: "encoder",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if reg.Default() == encoding.UseDefault {
				return errors.New("no usable recording format")
			}
			return nil
		},
	}
}

// WritableDir reports ready when dir exists (or can be created) and accepts
// new files.
func WritableDir(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			f, err := os.CreateTemp(dir, ".readyz-*")
			if err != nil {
				return fmt.Errorf("%s not writable: %w", dir, err)
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		},
	}
}

// Endpoint is an optional check that reports ready when url answers at all.
// Any HTTP status counts; only transport failures fail the check. An empty
// url (nothing configured) always passes.
func Endpoint(name string, url func() string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(ctx context.Context) error {
			target := url()
			if target == "" {
				return nil
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("%s unreachable: %w", target, err)
			}
			return resp.Body.Close()
		},
	}
}
