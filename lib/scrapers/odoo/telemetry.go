package odoo

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("shopmirror.scrapers/odoo")
