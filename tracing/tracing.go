// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package tracing sets up the OpenTelemetry tracer provider of the daemon.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/snapcore/modemd/logger"
)

const ServiceName = "modemd"

// Exporters.
const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config governs span collection.
type Config struct {
	Enabled bool
	// Exporter is one of ExporterStdout or ExporterNone. With
	// ExporterNone spans are sampled and dropped.
	Exporter    string
	SampleRatio float64
}

// Defaults returns a disabled configuration sampling every arbitration
// once enabled.
func Defaults() Config {
	return Config{
		Exporter:    ExporterStdout,
		SampleRatio: 1.0,
	}
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

var stdout io.Writer = os.Stdout

// Init installs the global tracer provider described by cfg and returns
// the function that flushes it.
func Init(cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		logger.Debugf("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("invalid tracing sample ratio %v", cfg.SampleRatio)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("cannot create tracing resource: %v", err)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	}

	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout, "":
		exp, err := stdouttrace.New(
			stdouttrace.WithWriter(stdout),
			stdouttrace.WithoutTimestamps(),
		)
		if err != nil {
			return nil, fmt.Errorf("cannot create tracing exporter: %v", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterNone:
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	logger.Noticef("tracing enabled (exporter %s, sample ratio %.2f)", cfg.Exporter, cfg.SampleRatio)
	return tp.Shutdown, nil
}

// ShutdownWithTimeout calls shutdown with a bounded timeout. Errors are
// logged.
func ShutdownWithTimeout(shutdown ShutdownFunc, timeout time.Duration) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Noticef("cannot shut down tracing: %v", err)
	}
}
