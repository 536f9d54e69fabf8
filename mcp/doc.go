// Package mcp gates MCP (Model Context Protocol) tools behind x402 shielded payments.
//
// # Server Usage
//
// Register a paid tool on a go-sdk server:
//
//	gate, _ := mcp.NewGate(issuer, executor, store, mcp.Price{
//	    Recipient: "0xmerchant", Token: "STRK", MinAmount: "1000",
//	})
//	mcp.PaidTool(server, &mcpsdk.Tool{Name: "get_weather"}, gate, handler)
//
// An unpaid call returns an error result whose structured content carries the
// challenge under "x402/challenge". The retry echoes that challenge and the
// payment payload in the request _meta.
//
// # Client Usage
//
// Wrap a connected session so challenges are paid automatically:
//
//	client := mcp.NewClient(session, signer, signer.Address())
//	result, err := client.CallTool(ctx, &mcpsdk.CallToolParams{Name: "get_weather"})
package mcp
