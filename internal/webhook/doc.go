// Package webhook terminates inbound messaging webhooks: signature
// verification, sanitization, and TwiML replies around the session core.
package webhook
