package market

import "context"

// SourceStats mirrors what a source has seen since start.
type SourceStats struct {
	Requests  int64
	Failures  int64
	LastError string
}

// Source is one upstream price provider. The feed gateway ranks
// sources by priority and walks down the list on failure; a Source
// implementation only has to answer for itself.
//
// FetchQuote must honor ctx cancellation; a timeout counts as a plain
// failure at the gateway.
type Source interface {
	Name() string

	FetchQuote(ctx context.Context, symbol string) (Quote, error)

	Stats() SourceStats

	Close() error
}
