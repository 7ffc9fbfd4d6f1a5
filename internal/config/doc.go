// Package config loads and validates the crm-bridge configuration from a
// YAML file layered with environment variables.
//
// Precedence, highest first:
//
//  1. Environment overrides (WEBHOOK_URL_INBOUND, CRM_INBOUND_WEBHOOK,
//     WEBHOOK_URL_OUTBOUND, CRM_OUTBOUND_WEBHOOK, CRM_BASE_URL,
//     CRM_API_KEY, SESSION_URL, BRIDGE_API_KEY)
//  2. Values from the YAML file, with ${VAR} expansion
//  3. Built-in defaults
//
// Duration fields are written as Go duration strings ("5m", "10s") and
// parsed at load time.
package config
