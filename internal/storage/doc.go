// Package storage persists the small amount of state a tab needs across
// restarts:
//   - delivery/event identity keys already seen (so a replay after restart is not re-presented)
//   - the replay watermark for missed system notifications
package storage
