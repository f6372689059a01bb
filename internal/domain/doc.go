// Package domain contains the core domain entities and value objects for courier.
//
// This package represents the innermost layer of the architecture. It has
// no dependencies on infrastructure concerns (websockets, file system,
// logging, SQL) and contains only business state and invariants.
//
// # Entities
//
//   - [ConnectionState]: the lifecycle state of the single channel session
//   - [DeliveryRecord]: durable unit of work for one scheduled report
//   - [BackupInfo]: metadata for one retained session backup bundle
//   - [InboundMessage] / [Ack]: the message types crossing the driver boundary
//
// Domain entities are free of infrastructure dependencies and testable
// without mocks or external systems.
package domain
