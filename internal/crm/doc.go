// Package crm is the HTTP client for the external CRM. It fetches webhook
// settings, persists device-originated messages, resolves outbound message
// templates, and posts forwarding payloads to resolved webhook addresses.
// Every call carries a bounded timeout; a non-2xx response is an error.
package crm
