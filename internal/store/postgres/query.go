package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// listQuery appends the time window, newest-first ordering and pagination
// from opts to base, which must select from a table with column tsCol.
func listQuery(base, tsCol string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(" WHERE 1=1")
	var args []any

	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", tsCol, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND %s <= $%d", tsCol, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC, id DESC", tsCol)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
