// Package server hosts the Fiber HTTP service, request middleware chain, and
// hub registry glue that wires Host/port resolution into proxy handlers.
// Diagnostics routes under /-/ live in the routes subpackage so the proxy
// and volume packages can be wired without import cycles.
package server
