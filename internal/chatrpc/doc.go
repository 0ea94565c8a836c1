// ABOUTME: Package chatrpc exposes the chat service over gRPC
// ABOUTME: Hand-written service descriptor with a JSON codec, plus a matching client

// Package chatrpc serves pairchat.v1.Chat.
//
// The service has three methods:
//
//	Send(SendRequest) returns (SendResponse)
//	History(HistoryRequest) returns (HistoryResponse)
//	Subscribe(SubscribeRequest) returns (stream Event)
//
// Requests and responses are JSON documents carried with the content subtype
// "json". Callers authenticate with "authorization: Bearer <jwt>" metadata,
// or with "x-pairchat-user" when the server runs without a JWT secret.
package chatrpc
