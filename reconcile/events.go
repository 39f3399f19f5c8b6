package reconcile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Dedupe key builders. Keys must be specific enough to distinguish legitimate
// repeat events (a new invoice, a new cycle) from redeliveries of the same
// event.

func subCreatedKey(subscriptionID string) string {
	return fmt.Sprintf("sub:%s:created_active", subscriptionID)
}

func invoiceKey(invoiceID string) string {
	return fmt.Sprintf("invoice:%s", invoiceID)
}

func eventKey(eventID string) string {
	return fmt.Sprintf("event:%s", eventID)
}

func paymentKey(paymentIntentID string) string {
	return fmt.Sprintf("payment:%s", paymentIntentID)
}

// GrantKey is the dedupe key of a drip grant, keyed on the calendar month the
// grant is scheduled in. A per-cycle counter would collide once a renewal
// invoice re-arms the tracker and the count restarts; the scheduled month only
// moves forward, so year-2 grants can never land on year-1 keys. Exported for
// the drip scheduler, which shares the ledger's dedupe namespace.
func GrantKey(subscriptionID string, grantDate time.Time) string {
	return fmt.Sprintf("sub:%s:grant:%s", subscriptionID, grantDate.UTC().Format("2006-01"))
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

// invoiceSubscriptionID resolves the subscription an invoice belongs to. An
// invoice may reference it directly or only through one of its line items.
func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Subscription != nil && inv.Subscription.ID != "" {
		return inv.Subscription.ID
	}

	if inv.Lines == nil {
		return ""
	}

	for _, line := range inv.Lines.Data {
		if line != nil && line.Subscription != nil && line.Subscription.ID != "" {
			return line.Subscription.ID
		}
	}

	return ""
}

func invoicePriceID(inv *stripe.Invoice) string {
	if inv.Lines == nil {
		return ""
	}

	for _, line := range inv.Lines.Data {
		if line != nil && line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
	}

	return ""
}

func invoiceReferenceID(inv *stripe.Invoice) string {
	if inv.SubscriptionDetails == nil {
		return ""
	}
	return inv.SubscriptionDetails.Metadata[metadataUserID]
}

// previousPriceID digs the pre-switch price out of the event's
// previous_attributes. Stripe reports the old subscription items there when a
// plan changes.
func previousPriceID(event *stripe.Event) string {
	prev := event.Data.PreviousAttributes
	if prev == nil {
		return ""
	}

	items, ok := prev["items"].(map[string]any)
	if !ok {
		return ""
	}

	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return ""
	}

	first, ok := data[0].(map[string]any)
	if !ok {
		return ""
	}

	price, ok := first["price"].(map[string]any)
	if !ok {
		// Older API shapes report the price under "plan".
		price, ok = first["plan"].(map[string]any)
		if !ok {
			return ""
		}
	}

	id, _ := price["id"].(string)

	return id
}

func metadataTokenAmount(metadata map[string]string) int {
	for _, key := range []string{"tokens", "token_amount"} {
		raw, ok := metadata[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err == nil {
			return n
		}
	}

	return 0
}
