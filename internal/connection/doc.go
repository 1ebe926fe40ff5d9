// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one WebSocket connection to one endpoint
//   - Resolves path endpoints against the configured origin
//   - Reconnects after abnormal closures with exponential backoff
//   - Stops after the policy's attempt limit until Reconnect is called
//   - Never reconnects after Disconnect or Dispose
//   - Delivers open, message, close and error events to listeners in order
package connection
