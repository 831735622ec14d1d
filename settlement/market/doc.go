// Package market runs the marketplace flows around the settlement engine:
// marketplace creation, funding, asset issuance, listing, delisting and
// purchase. Every flow executes inside one store transaction, and flows that
// touch a listing can additionally be serialized across processes by a
// Locker keyed on the listing.
package market
