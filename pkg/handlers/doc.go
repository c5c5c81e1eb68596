// Package handlers provides the built-in capability handlers.
//
//   - system: shell commands via os/exec, or a host description
//   - file: read, write, list and copy confined to a root directory
//   - browser: HTTP fetch with readability extraction and bluemonday
//     sanitizing, plus a chromedp session for interactive pages
//   - analysis: gopsutil host measurements
//
// Handlers classify their failures with engine errors. Bad parameters,
// missing files and 404 pages are permanent; a non-zero exit status or a
// failed HTTP status is reported as an unsuccessful result so the executor
// retries it.
package handlers
