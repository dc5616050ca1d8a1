// Package transport provides the agent's outbound HTTP session:
// logical-name route resolution, bearer auth, and a single
// reauthenticate-and-retry on 401.
package transport
