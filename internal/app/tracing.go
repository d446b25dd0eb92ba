package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nuetzliches/accountdelete/internal/config"
)

const serviceName = "accountdelete"

func initTracing(ctx context.Context, tc config.TracingConfig, onError func(error)) (func(context.Context) error, error) {
	opts := make([]otlptracehttp.Option, 0, 8)
	if tc.Collector != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(tc.Collector))
	}
	if tc.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(tc.URLPath))
	}
	switch tc.Compression {
	case "gzip":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	case "none":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	}
	if tc.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(tc.Timeout))
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
	}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	tlsCfg, err := buildTracingTLSConfig(tc.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			onError(err)
		}))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func buildTracingTLSConfig(tc config.TracingTLSConfig) (*tls.Config, error) {
	hasTLS := tc.CAFile != "" ||
		tc.CertFile != "" ||
		tc.KeyFile != "" ||
		tc.ServerName != "" ||
		tc.InsecureSkipVerify
	if !hasTLS {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tc.InsecureSkipVerify,
	}
	if tc.ServerName != "" {
		tlsCfg.ServerName = tc.ServerName
	}

	if tc.CAFile != "" {
		caPEM, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tracing tls.ca_file: %w", err)
		}

		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse tracing tls.ca_file: no certificates found")
		}
		tlsCfg.RootCAs = pool
	}

	if tc.CertFile != "" || tc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tracing client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
