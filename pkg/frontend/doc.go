// Package frontend is the chat submission web app. It wraps a user prompt in
// a chat completion request, sends it through the gateway and returns the
// assistant's reply.
package frontend
