// Package billing upgrades and downgrades tiers through Stripe.
//
// CreateCheckout opens a subscription checkout whose metadata carries the
// user id and target tier. HandleWebhook verifies the Stripe signature and
// handles two events:
//
//   - checkout.session.completed: set the tier from the metadata and remember
//     the Stripe customer id
//   - customer.subscription.deleted: find the user by customer id and move
//     them back to free
//
// Every other event type is acknowledged and ignored.
package billing
