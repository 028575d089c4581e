// Package tracker owns per-device disposition state and the aggregation
// rules that derive participant-level and message-level answers from it.
//
// # State Machine
//
// Each (message, device) pair has one record progressing through:
//
//	Unknown -> Sent -> Delivered -> Displayed
//
// with two absorbing failure states, NotDelivered and DecryptionFailed,
// reachable before the record succeeds. Transitions are strictly
// forward-only: a stale failure arriving after a device already reported
// Delivered or Displayed is discarded, never applied. A display report
// arriving before a delivery report implicitly satisfies delivery first,
// since display presupposes delivery.
//
// # Aggregation
//
// The [Aggregator] derives a [ParticipantState] for each conversation
// member from that member's device records: one device at Displayed makes
// the participant Displayed; one device at Delivered or better makes the
// participant DeliveredToUser; all devices failed makes the participant
// NotDelivered; otherwise Sent. The message-level state is the pointwise
// minimum across all currently-required participants and is advisory for
// UI purposes only.
//
// Devices removed from the conversation are excluded from aggregation
// from the moment of removal. Devices added later start at Unknown and
// can never retroactively downgrade a participant that already reached
// DeliveredToUser or Displayed.
//
// # Concurrency
//
// The [Tracker] is safe for concurrent use: the record map is guarded by
// a read-write mutex and every record carries its own mutex, so the
// forward-only check-and-apply is atomic per record while updates for
// different devices proceed independently. Aggregation reads a snapshot
// of completed per-device updates and is eventually consistent.
package tracker
