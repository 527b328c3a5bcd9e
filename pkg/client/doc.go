// Package client is the ledgergate Go SDK.
//
// A Client speaks to a running gateway over HTTP and mirrors its routes one
// method per operation:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := c.CreateLedger(ctx)
//	res, err := c.AppendEntry(ctx, id, "hello", "")
//	entries, err := c.ListEntries(ctx, id, "hex")
//
// # Errors
//
// Every non-2xx response becomes an *APIError holding the status code and
// the gateway's error message. Common cases can be matched with errors.Is:
//
//	if errors.Is(err, client.ErrNotOwned) {
//	    // the ledger was created by another gateway instance
//	}
//
// A failed batch delete also carries per-id results:
//
//	var apiErr *client.APIError
//	if errors.As(c.DeleteLedgers(ctx, ids), &apiErr) {
//	    for _, r := range apiErr.Results { ... }
//	}
package client
