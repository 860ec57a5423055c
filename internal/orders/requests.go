package orders

import "math"

type ListQuery struct {
	Status    string
	OrderType string
	Page      int
	Limit     int
}

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
	// maxPage keeps (page-1)*limit inside an int.
	maxPage = math.MaxInt / maxLimit
)

func (q ListQuery) normalized() ListQuery {
	if q.Page < 1 {
		q.Page = defaultPage
	}
	if q.Limit < 1 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Page > maxPage {
		q.Page = maxPage
	}
	return q
}
