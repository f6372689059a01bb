// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// Ports are the boundaries between the application core and the outside
// world. They define what the core needs from external systems without
// specifying how those needs are fulfilled.
//
// # Port Interfaces
//
//   - [ChannelDriver]: the opaque component speaking the chat platform's wire protocol
//   - [DeliveryStore]: durable persistence for delivery records
//   - [ReportSource]: the business collaborator producing report content and recipients
//   - [RateLimiter]: per-recipient throughput decisions
//   - [InboundHandler]: business callback for inbound messages
//   - [Logger]: structured logging abstraction (re-exported from pkg/log)
//
// The application packages (conn, reconnect, dispatch, delivery, session)
// depend only on these interfaces; concrete implementations live under
// internal/adapters and in the business layer. This keeps the core testable
// with fakes and keeps the wire protocol out of scope.
package ports
