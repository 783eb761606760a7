// Package xero is a typed HTTP client for the Xero accounting API. Callers
// supply a valid access token and tenant; upstream failures are classified
// into the application error taxonomy.
package xero
