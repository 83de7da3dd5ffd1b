package document

import (
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// Order selects the traversal order of a query.
type Order int

const (
	OrderPath Order = iota
	OrderIdentity
	OrderTimestamp
)

func (o Order) String() string {
	switch o {
	case OrderPath:
		return "path"
	case OrderIdentity:
		return "identity"
	case OrderTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// ParseOrder parses "path", "identity" or "timestamp".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "path":
		return OrderPath, nil
	case "identity":
		return OrderIdentity, nil
	case "timestamp":
		return OrderTimestamp, nil
	default:
		return 0, errs.Validation("unknown order %q", s)
	}
}

// Query selects documents within one share. Zero values mean "no bound".
type Query struct {
	// PathPrefix restricts results to paths it prefixes.
	PathPrefix path.Path

	// Identity restricts results to one author.
	Identity keys.IdentityTag

	// TimestampGte and TimestampLt bound the timestamp; TimestampLt == 0
	// means unbounded.
	TimestampGte uint64
	TimestampLt  uint64

	// Limit caps the number of results; 0 means unlimited.
	Limit int

	Order      Order
	Descending bool
}

// Validate checks the query for contradictions.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return errs.Validation("query limit must not be negative")
	}
	if q.TimestampLt != 0 && q.TimestampLt <= q.TimestampGte {
		return errs.Validation("query timestamp range is empty")
	}
	if q.Identity != "" {
		if _, _, err := keys.ParseIdentityTag(string(q.Identity)); err != nil {
			return err
		}
	}
	switch q.Order {
	case OrderPath, OrderIdentity, OrderTimestamp:
	default:
		return errs.Validation("unknown order %d", q.Order)
	}
	return nil
}

// Matches reports whether e falls within the query's area. Limit and order
// are not considered.
func (q Query) Matches(e Entry) bool {
	if !q.PathPrefix.IsPrefixOf(e.Path) {
		return false
	}
	if q.Identity != "" && e.Identity != q.Identity {
		return false
	}
	if e.Timestamp < q.TimestampGte {
		return false
	}
	if q.TimestampLt != 0 && e.Timestamp >= q.TimestampLt {
		return false
	}
	return true
}
