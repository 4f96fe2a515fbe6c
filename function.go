// Package lifecyclefn exposes the reconciler as a Google Cloud Function,
// triggered over HTTP or from a Pub/Sub CloudEvent. The run configuration is
// the same YAML the CLI reads, supplied base64-encoded in the environment.
package lifecyclefn

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/cloudevents/sdk-go/v2/event"
	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/run"
)

const configEnv = "LIFECYCLE_CONFIG_BASE64"

func init() {
	functions.HTTP("LifecycleSyncHttp", lifecycleSyncHTTP)
	functions.CloudEvent("LifecycleSyncPubSub", lifecycleSyncPubSub)
}

func runSync(ctx context.Context) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	configBase64 := os.Getenv(configEnv)
	if configBase64 == "" {
		return fmt.Errorf("environment variable %q is not set", configEnv)
	}
	data, err := base64.StdEncoding.DecodeString(configBase64)
	if err != nil {
		return fmt.Errorf("decoding %q: %w", configEnv, err)
	}

	opts := []config.Option{}
	resolver, err := config.NewKSMResolverFromEnv()
	if err != nil {
		return err
	}
	if resolver != nil {
		opts = append(opts, config.WithSecretResolver(resolver))
	}

	cfg, err := config.LoadBytes(data, opts...)
	if err != nil {
		return err
	}
	return run.Run(ctx, cfg, log)
}

func lifecycleSyncHTTP(w http.ResponseWriter, r *http.Request) {
	if err := runSync(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = fmt.Fprintln(w, "sync complete")
}

func lifecycleSyncPubSub(ctx context.Context, _ event.Event) error {
	return runSync(ctx)
}
