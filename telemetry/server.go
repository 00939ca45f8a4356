package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"

	"github.com/VictoriaMetrics/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHandler serves the Prometheus registry on /metrics and the writer's
// VictoriaMetrics set on /metrics/writer.
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/metrics/writer", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, false)
	})
	return mux
}

type panicCancelHandler struct {
	http.Handler
	cancel context.CancelCauseFunc
}

func (h panicCancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		err := recover()
		if err != nil {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "panic: %v\n\n%s", err, buf[:n])
			cancelErr, ok := err.(error)
			if ok {
				h.cancel(cancelErr)
			} else {
				h.cancel(nil)
			}
		}
	}()
	h.Handler.ServeHTTP(w, r)
}

// Serve exposes the metrics handler on l until ctx is canceled. A panicking
// handler stops the server instead of being recovered.
func Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	server := &http.Server{Handler: panicCancelHandler{NewHandler(), cancel}}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
