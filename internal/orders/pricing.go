package orders

import (
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	taxRate     = decimal.NewFromFloat(0.10)
	deliveryFee = decimal.NewFromInt(50)
)

// MaxOrderTotal is the largest amount a NUMERIC(10,2) column holds.
const MaxOrderTotal = 99999999.99

type Totals struct {
	Subtotal    float64
	Tax         float64
	DeliveryFee float64
	Total       float64
}

// Price computes order totals from item snapshots. Each component is
// rounded half-up to cents before it is summed into the total.
func Price(items []models.OrderItem, orderType models.OrderType) Totals {
	subtotal := decimal.Zero
	for _, item := range items {
		line := decimal.NewFromFloat(item.Price).Round(2).Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(line)
	}
	subtotal = subtotal.Round(2)

	tax := subtotal.Mul(taxRate).Round(2)

	fee := decimal.Zero
	if orderType == models.OrderTypeDelivery {
		fee = deliveryFee
	}

	total := subtotal.Add(tax).Add(fee).Round(2)

	return Totals{
		Subtotal:    subtotal.InexactFloat64(),
		Tax:         tax.InexactFloat64(),
		DeliveryFee: fee.InexactFloat64(),
		Total:       total.InexactFloat64(),
	}
}
