// ABOUTME: Package webui renders the browser-facing pages
// ABOUTME: Templates and the help Markdown are embedded into the binary

// Package webui serves the sign-in page, per-peer chat pages and /help.
package webui
