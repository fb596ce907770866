// Package paywall gates an MCP tool server behind a one-off payment.
//
// A client asks for an invoice, pays it out of band, and polls until the
// payment is confirmed. The first confirmation flips the payment record
// to paid exactly once and redeems the paid quote for an e-cash token;
// the client receives an access token that unlocks the protected path
// until it expires.
//
// Basic usage:
//
//	client, _ := cashu.NewClient(cashu.ClientConfig{MintURL: "https://mint.example.com"})
//	provider, _ := paywall.NewCashuProvider(paywall.CashuProviderConfig{Client: client, StoreTokens: true})
//	service, _ := paywall.NewService(paywall.Config{
//	    Store:    paywall.NewMemoryStore(),
//	    Provider: provider,
//	})
//
//	mux := http.NewServeMux()
//	mux.Handle("/paywall/", service.Handler(paywall.HandlerConfig{}))
//	mux.Handle("/mcp", mcpServer.Handler())
//
//	handler := paywall.Gate(mux, paywall.GateConfig{
//	    Lookup:        service.Store(),
//	    ProtectedPath: "/mcp",
//	})
//
//	http.ListenAndServe(":8080", handler)
//
// Requests under /mcp without an active access token get 401 with a JSON
// body naming the reason.
package paywall
