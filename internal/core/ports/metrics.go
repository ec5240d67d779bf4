package ports

import "github.com/atvirokodosprendimai/revaudit/internal/core/domain"

type Metrics interface {
	RevisionAllocated()
	RevisionAbandoned()
	RowWritten(entity domain.EntityName, t domain.RevisionType)
	CacheLookup(hit bool)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RevisionAllocated()                                {}
func (NopMetrics) RevisionAbandoned()                                {}
func (NopMetrics) RowWritten(domain.EntityName, domain.RevisionType) {}
func (NopMetrics) CacheLookup(bool)                                  {}
