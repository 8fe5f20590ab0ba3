package audit

import "context"

// Sink persists audit entries. It is append-only: entries are never updated
// or removed through this interface.
type Sink interface {
	Append(ctx context.Context, entries ...Entry) error
}

// QueryStore provides read access to the audit trail for admin queries.
type QueryStore interface {
	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// Store is a Sink that can also be queried.
type Store interface {
	Sink
	QueryStore
}

// Exporter forwards committed entries to a secondary system such as a log
// file or a message bus. Exporters are best-effort.
type Exporter interface {
	Sink
	// Name identifies the exporter in logs and metrics.
	Name() string
	Close() error
}
