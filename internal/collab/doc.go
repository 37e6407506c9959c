// Package collab holds the HTTP clients for the session core's outbound
// collaborators: the chat-completions LLM and the event email deliverer.
package collab
