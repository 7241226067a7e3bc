package catalog

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("shopmirror.services/catalog")
