package otel

import (
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	// EndpointURL selects the exporter: grpc:// and grpcs:// use OTLP gRPC,
	// http:// and https:// use OTLP HTTP.
	EndpointURL        string
	Enabled            bool
	SampleRatio        float64
	ResourceAttributes map[string]string
}

func DefaultConfig() Config {
	return Config{
		ServiceName:        "graph-gateway",
		SampleRatio:        1.0,
		ResourceAttributes: make(map[string]string),
	}
}

func (c Config) toResourceAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(c.ResourceAttributes)+2)
	attrs = append(attrs, attribute.String("service.name", c.ServiceName))
	if c.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", c.ServiceVersion))
	}

	keys := make([]string, 0, len(c.ResourceAttributes))
	for k := range c.ResourceAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, c.ResourceAttributes[k]))
	}

	return attrs
}
