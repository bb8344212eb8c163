package health

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// UpstreamProbe returns a ProbeFunc that checks the ingest pipeline's health
// endpoint. A non-2xx status or transport error degrades to unhealthy; the
// probe never hangs past its caller's timeout.
func UpstreamProbe(healthURL string) ProbeFunc {
	client := resty.New()
	return func(ctx context.Context) error {
		resp, err := client.R().SetContext(ctx).Get(healthURL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("upstream status %d", resp.StatusCode())
		}
		return nil
	}
}
