// Package agent runs AI turns against LLM providers. Each turn flows
// through the per-session dispatch lane, loads and persists the session
// transcript, and fails over across auth profiles when a provider is down.
package agent
