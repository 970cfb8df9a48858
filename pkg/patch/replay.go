package patch

import (
	"fmt"

	"github.com/daviddao/verdant/pkg/model"
)

// Replay applies, in order, the operations whose timestamp is after since
// onto view. An operation that cannot be applied is skipped and reported;
// the remaining operations still apply.
func Replay(view any, since string, ops []model.Operation) (any, []error) {
	var errs []error
	for _, op := range ops {
		if since != "" && op.Timestamp <= since {
			continue
		}
		next, err := Apply(view, op.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s@%s: %w", op.OID, op.Timestamp, err))
			continue
		}
		view = next
	}
	return view, errs
}
