// Package proxy is the traffic runtime hosting the interceptor hooks. Each
// HTTP exchange becomes a domain.Flow; moderated flows are buffered and run
// through OnRequest and OnResponse, every other flow is streamed through
// untouched.
package proxy
