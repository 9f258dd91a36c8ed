// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servenv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 5 * time.Second

// HTTPServer serves the internal endpoints of a long-running command.
type HTTPServer struct {
	mux *http.ServeMux
}

// NewHTTPServer creates a server with an empty mux.
func NewHTTPServer() *HTTPServer {
	return &HTTPServer{mux: http.NewServeMux()}
}

// HTTPHandle registers the given handler.
func (s *HTTPServer) HTTPHandle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// HTTPHandleFunc registers the given handler func.
func (s *HTTPServer) HTTPHandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

// Handler returns the mux, for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

// HTTPRegisterProfile registers the default pprof HTTP endpoints.
func (s *HTTPServer) HTTPRegisterProfile() {
	s.HTTPHandleFunc("/debug/pprof/", pprof.Index)
	s.HTTPHandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.HTTPHandleFunc("/debug/pprof/profile", pprof.Profile)
	s.HTTPHandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.HTTPHandleFunc("/debug/pprof/trace", pprof.Trace)
}

// HTTPServe serves on l until ctx is done, then shuts down gracefully.
func (s *HTTPServer) HTTPServe(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(s.mux, "sqlclient"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening for HTTP calls", "addr", l.Addr().String())
		errc <- srv.Serve(l)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errc
	return err
}
