// Package interceptor gates chat traffic to the moderated upstream host.
//
// OnRequest scores the last message of an outbound chat request and, when it
// blocks, answers the client with a synthetic assistant reply so upstream is
// never contacted. OnResponse scores the first choice of a forwarded reply and
// rewrites its content in place. Every failure forwards the flow unchanged
// unless the interceptor runs in fail-closed mode.
package interceptor
